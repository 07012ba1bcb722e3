package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
Auth:
  region: us-west-1
Options:
  Period: 5
Metrics:
  - Namespace: AWS/ELB
    MetricName: RequestCount
    Statistics: Sum
    Dimensions:
      LoadBalancerName: my-elb
      AvailabilityZone: us-west-1a
    Options:
      NullIsZero:
        RequestCount: 5
  - Namespace: AWS/EC2
    MetricName: [CPUUtilization, NetworkIn]
    Statistics:
      - Average
      - Maximum
    Unit: Percent
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), "sample")
	require.NoError(t, err)

	assert.Equal(t, "us-west-1", cfg.Auth.RegionOrDefault())
	require.NotNil(t, cfg.Options)
	assert.Equal(t, 5, cfg.Options.Period)
	require.Len(t, cfg.Metrics, 2)

	elb := cfg.Metrics[0]
	assert.Equal(t, StringList{"RequestCount"}, elb.MetricName)
	assert.Equal(t, StringList{"Sum"}, elb.Statistics)
	assert.Equal(t, Dimensions{
		{Name: "LoadBalancerName", Value: "my-elb"},
		{Name: "AvailabilityZone", Value: "us-west-1a"},
	}, elb.Dimensions)
	assert.Equal(t, map[string]int{"RequestCount": 5}, elb.Options.NullIsZero)

	ec2 := cfg.Metrics[1]
	assert.Equal(t, StringList{"CPUUtilization", "NetworkIn"}, ec2.MetricName)
	assert.Equal(t, StringList{"Average", "Maximum"}, ec2.Statistics)
	assert.Empty(t, ec2.Dimensions)
	assert.Equal(t, "Percent", ec2.Unit)
	assert.Nil(t, cfg.EnhancedMonitoring)
}

func TestAuthRegionDefault(t *testing.T) {
	assert.Equal(t, "us-east-1", AuthConfig{}.RegionOrDefault())
}

func TestDimensionsScalarValues(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
Metrics:
  - Namespace: Custom
    MetricName: Jobs
    Statistics: Sum
    Dimensions:
      Shard: 7
      Enabled: true
`), "scalars")
	require.NoError(t, err)
	assert.Equal(t, Dimensions{{"Shard", "7"}, {"Enabled", "true"}}, cfg.Metrics[0].Dimensions)
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no namespace":   "Metrics: [{MetricName: A, Statistics: Sum}]",
		"no metric name": "Metrics: [{Namespace: N, Statistics: Sum}]",
		"no statistics":  "Metrics: [{Namespace: N, MetricName: A}]",
		"bad statistic":  "Metrics: [{Namespace: N, MetricName: A, Statistics: p99}]",
		"no log group":   "EnhancedMonitoring: {Formatter: x}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc), name)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Log("malformed yaml is not a validation error")
	_, err := ParseConfig([]byte("Metrics: [\n"), "broken")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))

	t.Log("dimensions must be a mapping")
	_, err = ParseConfig([]byte("Metrics: [{Namespace: N, MetricName: A, Statistics: Sum, Dimensions: [a, b]}]"), "dims")
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Metrics, 2)

	_, err = LoadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadConfigStdin(t *testing.T) {
	orig := stdin
	defer func() { stdin = orig }()
	stdin = strings.NewReader(sampleConfig)

	cfg, err := LoadConfig(context.Background(), "-", nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Metrics, 2)
}

type fakeS3 struct {
	bucket, key string
	body        string
	err         error
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket = aws.ToString(params.Bucket)
	f.key = aws.ToString(params.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestLoadConfigS3(t *testing.T) {
	fake := &fakeS3{body: sampleConfig}
	cfg, err := LoadConfig(context.Background(), "s3://my-bucket/metrics/config.yaml", fake)
	require.NoError(t, err)
	assert.Len(t, cfg.Metrics, 2)
	assert.Equal(t, "my-bucket", fake.bucket)
	assert.Equal(t, "metrics/config.yaml", fake.key)

	_, err = LoadConfig(context.Background(), "s3://my-bucket", fake)
	assert.Error(t, err)

	_, err = LoadConfig(context.Background(), "s3://my-bucket/key", nil)
	assert.Error(t, err)

	fake.err = errors.New("access denied")
	_, err = LoadConfig(context.Background(), "s3://my-bucket/key", fake)
	assert.ErrorContains(t, err, "access denied")
}

func TestLoadRenderContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"region": "us-east-1", "account_alias": "acme", "environment_name": "prod", "resources": {"AutoScalingGroups": [{"Name": "asg-1"}]}}`), 0644))

	rc, err := LoadRenderContext(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", rc.AccountAlias)
	assert.Equal(t, []ResourceRef{{Name: "asg-1"}}, rc.Resources.AutoScalingGroups)
	assert.Nil(t, rc.Resources.LoadBalancers)
	assert.NoError(t, rc.Validate())
}
