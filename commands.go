package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Clever/kayvee-go/v7/logger"
	"github.com/DataDog/datadog-api-client-go/api/v2/datadog"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/elasticbeanstalk"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		envFile string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "eb-cloudwatch-metrics",
		Short: "Render CloudWatch metric configs and print their statistics as Graphite lines",
		Long: `eb-cloudwatch-metrics reads CloudWatch statistics and prints them in Graphite's
plaintext format ("name value timestamp").

  leadbutt    fetch the metrics named in a config document
  beanstalk   discover an Elastic Beanstalk environment, render its metric
              config and fetch it
  render      render the Beanstalk metric template from a context file`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", envFile, err)
				}
			}
			if verbose {
				lg.SetLogLevel(logger.Debug)
			} else {
				lg.SetLogLevel(logger.Info)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a .env file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.SetVersionTemplate("eb-cloudwatch-metrics version {{.Version}}\n")

	rootCmd.AddCommand(newLeadbuttCmd())
	rootCmd.AddCommand(newBeanstalkCmd())
	rootCmd.AddCommand(newRenderCmd())
	return rootCmd
}

// fetchFlags are shared by every command that talks to CloudWatch.
type fetchFlags struct {
	interval    int
	maxInterval int
	period      int
	count       int
	datadog     bool
	ddKeySecret string
	ddTags      []string
	periodSet   bool
	countSet    bool
}

func (f *fetchFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.interval, "interval", "i", 50, "Milliseconds to wait between metric requests; doubles as the backoff multiplier")
	cmd.Flags().IntVarP(&f.maxInterval, "max-interval", "m", 4000, "Longest backoff between retries, in milliseconds")
	cmd.Flags().IntVarP(&f.period, "period", "p", defaultOptions.Period, "Period length, in minutes")
	cmd.Flags().IntVarP(&f.count, "count", "n", defaultOptions.Count, "Number of data points to try to get")
	cmd.Flags().BoolVar(&f.datadog, "datadog", false, "Also submit samples to DataDog")
	cmd.Flags().StringVar(&f.ddKeySecret, "datadog-api-key-secret", "", "Secrets Manager secret holding the DataDog API key (default: DD_API_KEY)")
	cmd.Flags().StringSliceVar(&f.ddTags, "datadog-tag", nil, "Tag added to every DataDog series")
}

// resolve records which overrides were given explicitly; unset flags leave
// the config's own options in charge.
func (f *fetchFlags) resolve(cmd *cobra.Command) {
	f.periodSet = cmd.Flags().Changed("period")
	f.countSet = cmd.Flags().Changed("count")
}

func (f *fetchFlags) cliOptions() *Options {
	o := &Options{}
	if f.periodSet {
		o.Period = f.period
	}
	if f.countSet {
		o.Count = f.count
	}
	return o
}

func (f *fetchFlags) validate() error {
	if f.period <= 0 || f.count <= 0 {
		return errors.New("--period and --count must be positive")
	}
	if f.interval < 0 || f.maxInterval < 0 {
		return errors.New("--interval and --max-interval must not be negative")
	}
	return nil
}

func newLeadbuttCmd() *cobra.Command {
	var (
		configFile string
		flags      fetchFlags
	)
	cmd := &cobra.Command{
		Use:   "leadbutt",
		Short: "Fetch the CloudWatch metrics named in a config file",
		Long: `Fetch the CloudWatch metrics named in a YAML config document and print them
as Graphite plaintext lines. The config may be a local path, "-" for stdin, or
an s3://bucket/key URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.resolve(cmd)
			if err := flags.validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			var s3api S3API
			if strings.HasPrefix(configFile, "s3://") {
				awsCfg, err := loadAWSConfig(ctx, "", AuthConfig{})
				if err != nil {
					return err
				}
				s3api = s3.NewFromConfig(awsCfg)
			}
			cfg, err := LoadConfig(ctx, configFile, s3api)
			if err != nil {
				return err
			}
			return runFetch(ctx, cmd.OutOrStdout(), cfg, &flags)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config-file", "c", "config.yaml", "Path to a YAML configuration file")
	flags.register(cmd)
	return cmd
}

func newBeanstalkCmd() *cobra.Command {
	var (
		envName      string
		region       string
		accountAlias string
		templateFile string
		dryRun       bool
		flags        fetchFlags
	)
	cmd := &cobra.Command{
		Use:   "beanstalk --environment-name NAME [key=value ...]",
		Short: "Discover a Beanstalk environment and fetch its metrics",
		Long: `Describe an Elastic Beanstalk environment's auto scaling groups and load
balancers, render the metric template for them and fetch the result.
Extra key=value arguments are exposed to custom templates as .Tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.resolve(cmd)
			if err := flags.validate(); err != nil {
				return err
			}
			tokens, err := parseTokens(args)
			if err != nil {
				return err
			}
			// fail on a bad template before any network request
			renderer, err := NewFileRenderer(templateFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			awsCfg, err := loadAWSConfig(ctx, region, AuthConfig{})
			if err != nil {
				return err
			}
			discoverer := NewDiscoverer(elasticbeanstalk.NewFromConfig(awsCfg), iam.NewFromConfig(awsCfg))
			rc, err := discoverer.Discover(ctx, awsCfg.Region, envName, accountAlias)
			if err != nil {
				return err
			}
			rc.Tokens = tokens

			rendered, err := renderer.RenderBytes(rc)
			if err != nil {
				return err
			}
			if dryRun {
				_, err := cmd.OutOrStdout().Write(rendered)
				return err
			}

			cfg, err := ParseConfig(rendered, "beanstalk environment "+envName)
			if err != nil {
				return err
			}
			return runFetch(ctx, cmd.OutOrStdout(), cfg, &flags)
		},
	}
	cmd.Flags().StringVar(&envName, "environment-name", "", "Elastic Beanstalk environment name")
	cmd.Flags().StringVar(&region, "region", envOr("AWS_REGION", defaultRegion), "AWS region of the environment")
	cmd.Flags().StringVar(&accountAlias, "account-alias", "", "Account alias used in metric names (default: first IAM account alias)")
	cmd.Flags().StringVar(&templateFile, "template", "", "Custom template file (default: built-in Beanstalk template)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the rendered config instead of fetching metrics")
	cmd.MarkFlagRequired("environment-name")
	flags.register(cmd)
	return cmd
}

func newRenderCmd() *cobra.Command {
	var (
		contextFile  string
		templateFile string
		override     RenderContext
	)
	cmd := &cobra.Command{
		Use:   "render [key=value ...]",
		Short: "Render the metric template from a context file",
		Long: `Render the metric template against a YAML or JSON context document with the
keys region, account_alias, environment_name and resources
(AutoScalingGroups, LoadBalancers). Flags override values from the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseTokens(args)
			if err != nil {
				return err
			}
			renderer, err := NewFileRenderer(templateFile)
			if err != nil {
				return err
			}

			rc := &RenderContext{}
			if contextFile != "" {
				if rc, err = LoadRenderContext(contextFile); err != nil {
					return err
				}
			}
			if override.Region != "" {
				rc.Region = override.Region
			}
			if override.AccountAlias != "" {
				rc.AccountAlias = override.AccountAlias
			}
			if override.EnvironmentName != "" {
				rc.EnvironmentName = override.EnvironmentName
			}
			if len(tokens) > 0 {
				if rc.Tokens == nil {
					rc.Tokens = map[string]string{}
				}
				for k, v := range tokens {
					rc.Tokens[k] = v
				}
			}
			return renderer.Render(cmd.OutOrStdout(), rc)
		},
	}
	cmd.Flags().StringVarP(&contextFile, "context", "f", "", `Context file, or "-" for stdin`)
	cmd.Flags().StringVar(&templateFile, "template", "", "Custom template file (default: built-in Beanstalk template)")
	cmd.Flags().StringVar(&override.Region, "region", "", "Override region")
	cmd.Flags().StringVar(&override.AccountAlias, "account-alias", "", "Override account_alias")
	cmd.Flags().StringVar(&override.EnvironmentName, "environment-name", "", "Override environment_name")
	return cmd
}

// parseTokens turns key=value arguments into a map.
func parseTokens(args []string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid token %q, expected key=value", arg)
		}
		tokens[key] = value
	}
	return tokens, nil
}

// runFetch fetches every metric in cfg, then enhanced monitoring if configured.
func runFetch(ctx context.Context, out io.Writer, cfg *Config, flags *fetchFlags) error {
	awsCfg, err := loadAWSConfig(ctx, cfg.Auth.RegionOrDefault(), cfg.Auth)
	if err != nil {
		return err
	}
	sink, err := buildSink(ctx, out, awsCfg, flags)
	if err != nil {
		return err
	}

	started := time.Now()
	cli := flags.cliOptions()
	interval := time.Duration(flags.interval) * time.Millisecond
	maxInterval := time.Duration(flags.maxInterval) * time.Millisecond

	fetcher := NewFetcher(cloudwatch.NewFromConfig(awsCfg), sink, cli, interval, maxInterval)
	fetchErr := fetcher.Run(ctx, cfg)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var emErr error
	if cfg.EnhancedMonitoring != nil {
		monitor := NewEnhancedMonitor(cloudwatchlogs.NewFromConfig(awsCfg), sink)
		emErr = monitor.Run(ctx, cfg.EnhancedMonitoring, mergeOptions(cfg.Options, cli))
	}

	samples := logSampleVolumesAndReset()
	lg.InfoD("fetch-complete", logger.M{
		"region": awsCfg.Region, "metrics": len(cfg.Metrics), "samples": samples, "duration-s": time.Since(started).Seconds(),
	})
	return errors.Join(fetchErr, emErr)
}

func buildSink(ctx context.Context, out io.Writer, awsCfg aws.Config, flags *fetchFlags) (Sink, error) {
	graphite := NewGraphiteSink(out)
	if !flags.datadog {
		return graphite, nil
	}

	var apiKey string
	if flags.ddKeySecret != "" {
		key, err := datadogAPIKeyFromSecret(ctx, secretsmanager.NewFromConfig(awsCfg), flags.ddKeySecret)
		if err != nil {
			return nil, err
		}
		apiKey = key
	}
	dd := datadog.NewAPIClient(datadog.NewConfiguration()).MetricsApi
	return multiSink{graphite, NewDatadogSink(dd, apiKey, flags.ddTags)}, nil
}
