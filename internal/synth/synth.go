// Package synth renders a resource graph as a CloudFormation template, the
// document handed to the provisioning engine.
//
// Every descriptor becomes one or more resources under its logical id. The
// bootstrap artifact is not a resource: it is published out of band to the
// asset bucket, which is fixed at synthesis like the image parameter.
// Explicit graph edges become DependsOn entries when both ends are resources.
package synth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/o11y"
	"go.opentelemetry.io/otel"
)

// Template parameters.
const (
	ParamImageID = "ImageId"

	imageParameterType = "AWS::SSM::Parameter::Value<AWS::EC2::Image::Id>"
)

// Output names. Instance outputs are prefixed with the instance logical id.
const (
	OutputDatabaseEndpoint  = "DatabaseEndpoint"
	OutputDatabaseSecretArn = "DatabaseSecretArn"
	outputPublicDNSSuffix   = "PublicDnsName"
)

var (
	ErrNilGraph     = errors.New("no resource graph to synthesize")
	ErrNoBucket     = errors.New("an asset bucket is required to synthesize")
	errGraphOrder   = errors.New("failed to order resource graph")
	ErrFormat       = errors.New("unsupported template format")
	errRenderFailed = errors.New("failed to render template")
)

// Options are the deployment facts a graph does not carry.
type Options struct {
	// StackName is used for tags and the description.
	StackName string

	// AssetBucket is where the bootstrap artifact is published.
	AssetBucket string
}

type synthesizer struct {
	stackName string
	bucket    string
	g         *graph.Graph
	t         *cloudformation.Template
}

// Synthesize converts g into a template.
func Synthesize(ctx context.Context, g *graph.Graph, opts Options) (*cloudformation.Template, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if opts.AssetBucket == "" {
		return nil, ErrNoBucket
	}
	ctx, span := otel.Tracer("github.com/chainguard-dev/labstack/internal/synth").Start(ctx, "synth.Synthesize")
	defer span.End()

	stackName := opts.StackName
	log := clog.FromContext(ctx).With(o11y.AttrStack, stackName, o11y.AttrVPCID, g.VPCID)

	order, err := g.Order()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errGraphOrder, err)
	}

	s := &synthesizer{
		stackName: stackName,
		bucket:    opts.AssetBucket,
		g:         g,
		t:         cloudformation.NewTemplate(),
	}
	s.t.Description = fmt.Sprintf("labstack %s: web tier and database in %s", stackName, g.VPCID)
	s.parameters()

	instances := make(map[string]*graph.Instance, len(g.Instances))
	for _, inst := range g.Instances {
		instances[inst.LogicalID] = inst
	}

	for _, n := range order {
		switch n.Kind {
		case graph.KindIdentity:
			s.identity(g.Identity)
		case graph.KindGrant:
			s.readGrants(g.Artifact)
		case graph.KindRuleSet:
			s.ruleSet(s.ruleSetByID(n.ID))
		case graph.KindInstance:
			s.instance(instances[n.ID])
		case graph.KindSecret:
			s.secret(g.Database.Credentials)
		case graph.KindDatabase:
			s.database(g.Database)
		case graph.KindArtifact:
			// Published by the deployer.
		default:
			return nil, fmt.Errorf("unknown node kind %q for %s", n.Kind, n.ID)
		}
		log.Debug("synthesized node", "id", n.ID, "kind", n.Kind)
	}
	s.outputs()

	log.Info("synthesized template", "resources", len(s.t.Resources), "outputs", len(s.t.Outputs))
	return s.t, nil
}

func (s *synthesizer) parameters() {
	image := ""
	if len(s.g.Instances) > 0 {
		image = s.g.Instances[0].Image.SSMParameter
	}
	s.t.Parameters[ParamImageID] = cloudformation.Parameter{
		Type:    imageParameterType,
		Default: image,
	}
}

func (s *synthesizer) ruleSetByID(id string) *graph.RuleSet {
	switch id {
	case s.g.WebRuleSet.LogicalID:
		return s.g.WebRuleSet
	case s.g.DatabaseRuleSet.LogicalID:
		return s.g.DatabaseRuleSet
	}
	return nil
}

// dependsOn returns the explicit graph dependencies of id that are template
// resources. Nodes are synthesized in dependency order, so every resource id
// depends on already exists. References through Ref or GetAtt order the rest.
func (s *synthesizer) dependsOn(id string) []string {
	var deps []string
	for _, d := range s.g.DependsOn(id) {
		if _, ok := s.t.Resources[d]; ok {
			deps = append(deps, d)
		}
	}
	slices.Sort(deps)
	return deps
}

func (s *synthesizer) outputs() {
	for _, inst := range s.g.Instances {
		s.t.Outputs[InstanceOutput(inst.LogicalID)] = cloudformation.Output{
			Value: cloudformation.GetAtt(inst.LogicalID, "PublicDnsName"),
		}
	}
	s.t.Outputs[OutputDatabaseEndpoint] = cloudformation.Output{
		Value: cloudformation.GetAtt(s.g.Database.LogicalID, "Endpoint.Address"),
	}
	s.t.Outputs[OutputDatabaseSecretArn] = cloudformation.Output{
		Value: cloudformation.Ref(s.g.Database.Credentials.LogicalID),
	}
}

// InstanceOutput returns the output name carrying an instance's public DNS
// name.
func InstanceOutput(logicalID string) string {
	return logicalID + outputPublicDNSSuffix
}

// Format is a template serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Render serializes t.
func Render(t *cloudformation.Template, f Format) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch f {
	case FormatJSON, "":
		out, err = t.JSON()
	case FormatYAML:
		out, err = t.YAML()
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errRenderFailed, err)
	}
	return out, nil
}
