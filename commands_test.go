package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseTokens(t *testing.T) {
	tokens, err := parseTokens([]string{"tier=web", "empty=", "url=http://x?a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tier": "web", "empty": "", "url": "http://x?a=b"}, tokens)

	_, err = parseTokens([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseTokens([]string{"=x"})
	assert.Error(t, err)
}

func TestRenderCommand(t *testing.T) {
	path := writeFile(t, "context.yml", `
region: us-east-1
account_alias: acme
environment_name: production
resources:
  AutoScalingGroups:
    - Name: asg-1
`)
	out, err := execute(t, "render", "-f", path)
	require.NoError(t, err)

	cfg, err := ParseConfig([]byte(out), "render output")
	require.NoError(t, err)
	assert.Len(t, cfg.Metrics, 2)
	assert.Equal(t, "us-east-1", cfg.Auth.Region)
}

func TestRenderCommandOverrides(t *testing.T) {
	path := writeFile(t, "context.json", `{"region": "us-east-1", "environment_name": "production"}`)

	_, err := execute(t, "render", "-f", path)
	assert.ErrorIs(t, err, ErrInvalidContext)

	out, err := execute(t, "render", "-f", path, "--account-alias", "acme", "--region", "eu-west-1")
	require.NoError(t, err)
	assert.Contains(t, out, `region: "eu-west-1"`)
	assert.Contains(t, out, "Metrics: []")
}

func TestRenderCommandCustomTemplate(t *testing.T) {
	tmpl := writeFile(t, "custom.tmpl", `{{ .EnvironmentName }}-{{ .Tokens.tier }}`)
	out, err := execute(t, "render", "--template", tmpl,
		"--region", "us-east-1", "--account-alias", "acme", "--environment-name", "prod", "tier=web")
	require.NoError(t, err)
	assert.Equal(t, "prod-web", out)
}

func TestLeadbuttMissingConfig(t *testing.T) {
	_, err := execute(t, "leadbutt", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestBeanstalkRequiresEnvironment(t *testing.T) {
	_, err := execute(t, "beanstalk")
	assert.ErrorContains(t, err, "environment-name")
}

func TestFetchFlags(t *testing.T) {
	var flags fetchFlags
	cmd := &cobra.Command{Use: "test"}
	flags.register(cmd)

	require.NoError(t, cmd.ParseFlags([]string{"--count", "10", "-i", "0"}))
	flags.resolve(cmd)
	assert.NoError(t, flags.validate())
	assert.Equal(t, &Options{Count: 10}, flags.cliOptions(), "period was not given")

	flags.period = 0
	assert.Error(t, flags.validate())
	flags.period = 1
	flags.maxInterval = -1
	assert.Error(t, flags.validate())
}
