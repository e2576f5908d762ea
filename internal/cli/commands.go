package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chainguard-dev/labstack/internal/asset"
	"github.com/chainguard-dev/labstack/internal/deploy"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/log"
	"github.com/chainguard-dev/labstack/internal/network"
	"github.com/chainguard-dev/labstack/internal/synth"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var errNoNetwork = errors.New("no network given: set --network or --vpc-id")

func addNetworkFlags(fs *pflag.FlagSet) {
	fs.String("network", "", "network description file (.yaml, .yml, .json or .hcl)")
	fs.String("vpc-id", "", "discover the network of an existing VPC")
	fs.String("script", "", "bootstrap script (default: the embedded configure.sh)")
	fs.String("bucket", "", "S3 bucket the bootstrap script is published to")
}

func (a *app) synthCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Print the CloudFormation template",
		Long: `Build the resource graph for the network and print it as a
CloudFormation template. Nothing is created.

Examples:
  # Synthesize from a network description file
  labstack synth --network network.yaml --bucket my-assets

  # Discover the network of an existing VPC and write YAML
  labstack synth --vpc-id vpc-0123 --bucket my-assets --format yaml -o lab.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			g, err := a.build(ctx)
			if err != nil {
				return err
			}
			body, err := a.template(ctx, g, synth.Format(format))
			if err != nil {
				return err
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return fmt.Errorf("writing template: %w", err)
			}
			log.Info(ctx, "wrote template", "path", output, "bytes", len(body))
			return nil
		},
	}
	addNetworkFlags(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", string(synth.FormatJSON), "template format (json, yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the template to a file instead of stdout")
	return cmd
}

func (a *app) planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the resources in creation order",
		Long: `Build the resource graph for the network and print every resource in
the order the provisioning engine creates them, with its dependencies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), g)
		},
	}
	addNetworkFlags(cmd.Flags())
	return cmd
}

func printPlan(w io.Writer, g *graph.Graph) error {
	order, err := g.Order()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLOGICAL ID\tKIND\tDEPENDS ON")
	for i, n := range order {
		deps := "-"
		if d := g.DependsOn(n.ID); len(d) > 0 {
			deps = strings.Join(d, ",")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, n.ID, n.Kind, deps)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%d nodes, %d web instances in %s\n", len(order), len(g.Instances), g.VPCID)
	return err
}

func (a *app) deployCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create or update the stack",
		Long: `Build and synthesize the stack, check the account can run it, publish
the bootstrap script and hand the template to CloudFormation. Waits until
the stack settles and prints its outputs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			g, err := a.build(ctx)
			if err != nil {
				return err
			}
			body, err := a.template(ctx, g, synth.FormatJSON)
			if err != nil {
				return err
			}
			script, err := asset.Load(a.cfg.Bootstrap.Script)
			if err != nil {
				return err
			}

			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			pub, err := asset.NewPublisher(s3.NewFromConfig(awsCfg), a.cfg.Bootstrap.Bucket)
			if err != nil {
				return err
			}
			pf := deploy.NewPreflight(iam.NewFromConfig(awsCfg), ec2.NewFromConfig(awsCfg), deploy.Partition(awsCfg.Region))

			d := deploy.New(cloudformation.NewFromConfig(awsCfg), pf, pub, a.cfg.StackName)
			if timeout > 0 {
				d.WaitTimeout = timeout
			}

			res, err := d.Deploy(ctx, deploy.Plan{Graph: g, Asset: script, Template: body})
			if err != nil {
				return err
			}
			if res.AssetUploaded {
				log.Info(ctx, "published bootstrap script", "bucket", a.cfg.Bootstrap.Bucket, "key", script.Key())
			}
			if !res.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "stack %s is up to date\n", d.Name())
			}
			return printOutputs(cmd.OutOrStdout(), res.Outputs)
		},
	}
	addNetworkFlags(cmd.Flags())
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the stack (default: 45m)")
	return cmd
}

func (a *app) destroyCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the stack",
		Long: `Delete the stack and wait until CloudFormation finished. The database
is kept or snapshotted when its removal policy says so. Published bootstrap
scripts are content addressed and left in the bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			d := deploy.New(cloudformation.NewFromConfig(awsCfg), nil, nil, a.cfg.StackName)
			if timeout > 0 {
				d.WaitTimeout = timeout
			}
			return d.Destroy(ctx)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the stack (default: 45m)")
	return cmd
}

func (a *app) outputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "Print the outputs of the deployed stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			out, err := deploy.New(cloudformation.NewFromConfig(awsCfg), nil, nil, a.cfg.StackName).Outputs(ctx)
			if err != nil {
				return err
			}
			return printOutputs(cmd.OutOrStdout(), out)
		},
	}
}

func printOutputs(w io.Writer, outputs map[string]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range slices.Sorted(maps.Keys(outputs)) {
		fmt.Fprintf(tw, "%s\t%s\n", k, outputs[k])
	}
	return tw.Flush()
}

// network resolves the network context. A description file wins over
// discovery.
func (a *app) network(ctx context.Context) (graph.Network, error) {
	switch {
	case a.cfg.Network.File != "":
		n, err := network.LoadFile(ctx, a.cfg.Network.File)
		if err != nil {
			return nil, err
		}
		return n, nil
	case a.cfg.Network.VPCID != "":
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		n, err := network.Discover(ctx, ec2.NewFromConfig(awsCfg), a.cfg.Network.VPCID)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, errNoNetwork
}

func (a *app) build(ctx context.Context) (*graph.Graph, error) {
	n, err := a.network(ctx)
	if err != nil {
		return nil, err
	}
	return graph.NewBuilder(a.cfg).Build(ctx, n)
}

func (a *app) template(ctx context.Context, g *graph.Graph, f synth.Format) ([]byte, error) {
	t, err := synth.Synthesize(ctx, g, synth.Options{
		StackName:   deploy.StackName(a.cfg.StackName),
		AssetBucket: a.cfg.Bootstrap.Bucket,
	})
	if err != nil {
		return nil, err
	}
	return synth.Render(t, f)
}

// awsConfig loads the AWS configuration once per command.
func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := a.loadAWS(ctx, a.cfg.Region)
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.Region == "" {
		log.Warn(ctx, "no AWS region configured, set --region or AWS_REGION")
	}
	a.awsCfg = &cfg
	return cfg, nil
}
