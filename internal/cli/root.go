// Package cli implements the labstack command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/chainguard-dev/labstack/internal/config"
	"github.com/chainguard-dev/labstack/internal/log"
	"github.com/chainguard-dev/labstack/internal/o11y"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps flag names to configuration keys. A flag is bound only when
// the running command defines it.
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"log-file":   "logging.file",
	"stack-name": "stack_name",
	"region":     "region",
	"network":    "network.file",
	"vpc-id":     "network.vpc_id",
	"script":     "bootstrap.script",
	"bucket":     "bootstrap.bucket",
}

type app struct {
	version string
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config

	closeLog     func()
	shutdownLogs o11y.Shutdown

	// loadAWS resolves credentials and region. Tests replace it.
	loadAWS func(ctx context.Context, region string) (aws.Config, error)
	awsCfg  *aws.Config
}

func newApp(version string) *app {
	return &app{
		version:      version,
		v:            viper.New(),
		closeLog:     func() {},
		shutdownLogs: func(context.Context) error { return nil },
		loadAWS:      loadAWSConfig,
	}
}

// Execute runs the command line against os.Args.
func Execute(ctx context.Context, version string) error {
	a := newApp(version)
	defer a.close(ctx)
	return a.root().ExecuteContext(ctx)
}

// close flushes log exporters and closes the log file, whatever the command
// returned.
func (a *app) close(ctx context.Context) {
	if err := a.shutdownLogs(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush log exporter: %v\n", err)
	}
	a.closeLog()
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labstack",
		Short: "Build and deploy a lab web tier with a managed database",
		Long: `labstack turns an existing VPC into a small lab environment: one web
server per public subnet, bootstrapped from a script published to S3, and a
managed database reachable only from the web servers.

The desired state is rendered as a CloudFormation template, which can be
printed with "synth" or deployed with "deploy".`,
		Version:           a.version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./labstack.yaml)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("log-file", "", "also append JSON logs to this file")
	pf.String("stack-name", "", "stack name (default: labstack)")
	pf.String("region", "", "AWS region (default: from the AWS SDK configuration)")

	cmd.AddCommand(
		a.synthCmd(),
		a.planCmd(),
		a.deployCmd(),
		a.destroyCmd(),
		a.outputsCmd(),
		a.versionCmd(),
	)
	return cmd
}

// setup loads configuration and installs the logger for every subcommand.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	ctx := cmd.Context()
	otelHandler, shutdown, err := o11y.SetupLogs(ctx)
	if err != nil {
		return fmt.Errorf("setting up log export: %w", err)
	}
	a.shutdownLogs = shutdown

	ctx, closeLog, err := log.Setup(ctx, cfg.Logging, cmd.ErrOrStderr(), otelHandler)
	if err != nil {
		return err
	}
	a.closeLog = closeLog

	ctx = log.With(ctx, o11y.AttrCommand, cmd.Name())
	log.Debug(ctx, "loaded configuration", "config_file", a.v.ConfigFileUsed(), o11y.AttrStack, cfg.StackName)
	cmd.SetContext(ctx)
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "labstack %s\n", a.version)
			return err
		},
	}
}
