package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"
)

const defaultRegion = "us-east-1"

var (
	// ErrConfigNotFound is returned when a local config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrInvalidConfig is returned when a config document fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)

// stdin is where "-" config and context paths are read from.
var stdin io.Reader = os.Stdin

// S3API is the subset of the S3 client used to read s3:// config paths.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config is a metric configuration document, as rendered from a template or
// written by hand.
type Config struct {
	Auth               AuthConfig          `yaml:"Auth"`
	Options            *Options            `yaml:"Options"`
	Metrics            []Metric            `yaml:"Metrics"`
	EnhancedMonitoring *EnhancedMonitoring `yaml:"EnhancedMonitoring"`
}

// AuthConfig selects the region and, optionally, static credentials.
type AuthConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"aws_access_key_id"`
	SecretAccessKey string `yaml:"aws_secret_access_key"`
}

// RegionOrDefault returns the configured region or us-east-1.
func (a AuthConfig) RegionOrDefault() string {
	if a.Region == "" {
		return defaultRegion
	}
	return a.Region
}

// Metric describes one or more CloudWatch metrics sharing a namespace,
// statistics and dimensions.
type Metric struct {
	Namespace  string     `yaml:"Namespace"`
	MetricName StringList `yaml:"MetricName"`
	Statistics StringList `yaml:"Statistics"`
	Dimensions Dimensions `yaml:"Dimensions"`
	Unit       string     `yaml:"Unit"`
	Options    *Options   `yaml:"Options"`
}

// EnhancedMonitoring enables reading RDS enhanced monitoring from a log group.
type EnhancedMonitoring struct {
	LogGroup      string `yaml:"LogGroup"`
	Formatter     string `yaml:"Formatter"`
	ListFormatter string `yaml:"ListFormatter"`
}

// StringList accepts either a YAML scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
	return nil
}

// Dimension is a CloudWatch dimension name/value pair.
type Dimension struct {
	Name  string
	Value string
}

// Dimensions is a YAML mapping decoded in document order.
type Dimensions []Dimension

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Dimensions) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*d = nil
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: Dimensions must be a mapping", value.Line)
	}
	dims := make(Dimensions, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if key.Kind != yaml.ScalarNode || val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: dimension names and values must be scalars", key.Line)
		}
		dims = append(dims, Dimension{Name: key.Value, Value: val.Value})
	}
	*d = dims
	return nil
}

// Validate checks every metric has what GetMetricStatistics needs.
func (c *Config) Validate() error {
	for i, m := range c.Metrics {
		if m.Namespace == "" {
			return fmt.Errorf("%w: metric %d has no Namespace", ErrInvalidConfig, i)
		}
		if len(m.MetricName) == 0 {
			return fmt.Errorf("%w: metric %d (%s) has no MetricName", ErrInvalidConfig, i, m.Namespace)
		}
		if len(m.Statistics) == 0 {
			return fmt.Errorf("%w: metric %d (%s) has no Statistics", ErrInvalidConfig, i, m.Namespace)
		}
		for _, stat := range m.Statistics {
			if !standardStatistics[stat] {
				return fmt.Errorf("%w: metric %d (%s) has unknown statistic %q", ErrInvalidConfig, i, m.Namespace, stat)
			}
		}
	}
	if em := c.EnhancedMonitoring; em != nil && em.LogGroup == "" {
		return fmt.Errorf("%w: EnhancedMonitoring needs a LogGroup", ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes and validates a config document. source names it in errors.
func ParseConfig(data []byte, source string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return &cfg, nil
}

// LoadConfig reads a config document from a local path, from stdin when path
// is "-", or from S3 when path is an s3://bucket/key URL.
func LoadConfig(ctx context.Context, path string, s3api S3API) (*Config, error) {
	data, err := readConfigSource(ctx, path, s3api)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data, path)
}

func readConfigSource(ctx context.Context, path string, s3api S3API) ([]byte, error) {
	switch {
	case path == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read config from stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(path, "s3://"):
		bucket, key, err := parseS3URL(path)
		if err != nil {
			return nil, err
		}
		if s3api == nil {
			return nil, fmt.Errorf("no S3 client available to read %s", path)
		}
		out, err := s3api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get config %s: %w", path, err)
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return data, nil
	}
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(u string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(u, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q, expected s3://bucket/key", u)
	}
	return bucket, key, nil
}
