// Package graph builds the desired-state resource graph of a lab web tier
// from an existing network.
//
// # Overview
//
// Build takes a Network and produces a Graph of inert descriptors:
//
//  1. Identity - one role trusted by EC2 with the SSM managed policy, shared
//     by every instance. Administration goes through SSM, no SSH port.
//  2. Web rule set - TCP/80 from anywhere, the only rule open to the world.
//  3. Instances - one per public subnet, in the network's order, all
//     referencing the identity and the web rule set.
//  4. Artifact - the content addressed bootstrap script, with a single read
//     grant to the shared identity.
//  5. Boot wiring - every instance downloads then executes the artifact.
//  6. Database rule set - TCP/3306 from the web rule set (never a CIDR).
//  7. Database - isolated subnets only, generated credentials, removal
//     policy from configuration.
//
// Dependencies between descriptors are recorded as Edges; Order returns a
// creation order honoring them.
//
// Inputs that cannot produce a graph fail with a *ConfigurationError before
// anything is built.
package graph

import (
	"context"
	"fmt"
	"path"
	"slices"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/asset"
	"github.com/chainguard-dev/labstack/internal/config"
	"github.com/chainguard-dev/labstack/internal/o11y"
)

// Builder turns a Network into a Graph using fixed configuration.
type Builder struct {
	cfg *config.Config
}

// NewBuilder returns a Builder for cfg. A nil cfg uses config.Default.
func NewBuilder(cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Builder{cfg: cfg}
}

// Build produces the graph for n. It never returns a partial graph.
func (b *Builder) Build(ctx context.Context, n Network) (*Graph, error) {
	log := clog.FromContext(ctx)

	if n == nil {
		return nil, &ConfigurationError{Err: ErrNilNetwork}
	}
	vpcID := n.VPCID()

	public := n.PublicSubnets()
	if len(public) == 0 {
		return nil, &ConfigurationError{VPCID: vpcID, Err: ErrNoPublicSubnets}
	}
	isolated := isolatedSubnets(n, public)
	if len(isolated) == 0 {
		return nil, &ConfigurationError{VPCID: vpcID, Err: ErrNoIsolatedSubnets}
	}
	script, err := asset.Load(b.cfg.Bootstrap.Script)
	if err != nil {
		return nil, &ConfigurationError{VPCID: vpcID, Err: fmt.Errorf("%w: %w", ErrBootstrapScript, err)}
	}

	log = log.With(o11y.AttrVPCID, vpcID)
	log.Debug("building resource graph", "public_subnets", len(public), "isolated_subnets", len(isolated))

	g := &Graph{VPCID: vpcID}
	g.Identity = g.addIdentity(b.cfg.Compute.ManagedPolicy)
	g.WebRuleSet = g.addWebRuleSet(b.cfg.Compute.HTTPPort)
	g.Instances = g.addInstances(public, ec2types.InstanceType(b.cfg.Compute.InstanceType), ImageSelector{
		SSMParameter: b.cfg.Compute.ImageParameter,
	}, g.Identity, g.WebRuleSet)
	g.Artifact = g.addArtifact(script, g.Identity)
	g.wireBootstrap(g.Instances, g.Artifact)
	g.DatabaseRuleSet = g.addDatabaseRuleSet(b.cfg.Database.Port, g.WebRuleSet)
	g.Database = g.addDatabase(&b.cfg.Database, isolated, g.DatabaseRuleSet)

	log.Info("built resource graph", "instances", len(g.Instances), "nodes", len(g.Nodes), "edges", len(g.Edges))
	return g, nil
}

// isolatedSubnets selects the database placement. A subnet that the network
// also lists as public is never eligible, whatever the selector returned.
func isolatedSubnets(n Network, public []Subnet) []Subnet {
	var out []Subnet
	for _, s := range n.SelectSubnets(SubnetIsolated) {
		if slices.ContainsFunc(public, func(p Subnet) bool { return p.ID == s.ID }) {
			continue
		}
		if slices.ContainsFunc(out, func(o Subnet) bool { return o.ID == s.ID }) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (g *Graph) node(id string, kind Kind, dependsOn ...string) {
	g.Nodes = append(g.Nodes, Node{ID: id, Kind: kind})
	for _, to := range dependsOn {
		g.Edges = append(g.Edges, Edge{From: id, To: to})
	}
}

func (g *Graph) addIdentity(managedPolicy string) *Identity {
	g.node(IdentityID, KindIdentity)
	return &Identity{
		LogicalID:        IdentityID,
		ProfileLogicalID: InstanceProfileID,
		TrustedService:   computeServiceName,
		ManagedPolicies:  []string{managedPolicy},
	}
}

func (g *Graph) addWebRuleSet(port int32) *RuleSet {
	g.node(WebRuleSetID, KindRuleSet)
	return &RuleSet{
		LogicalID:        WebRuleSetID,
		Description:      "Allow HTTP traffic",
		AllowAllOutbound: true,
		Ingress: []Rule{{
			Protocol:    ProtocolTCP,
			Port:        port,
			Source:      FromAnyIPv4(),
			Description: "Allow HTTP traffic from anywhere",
		}},
	}
}

func (g *Graph) addInstances(subnets []Subnet, it ec2types.InstanceType, image ImageSelector, id *Identity, rs *RuleSet) []*Instance {
	instances := make([]*Instance, 0, len(subnets))
	for i, s := range subnets {
		lid := fmt.Sprintf("%s%d", instanceIDPrefix, i+1)
		g.node(lid, KindInstance, id.LogicalID, rs.LogicalID)
		instances = append(instances, &Instance{
			LogicalID:    lid,
			InstanceType: it,
			Image:        image,
			Subnet:       s,
			Identity:     id,
			RuleSet:      rs,
		})
	}
	return instances
}

// addArtifact registers the script and grants the shared identity read on
// it. One grant covers every instance.
func (g *Graph) addArtifact(a *asset.Asset, id *Identity) *Artifact {
	g.node(ArtifactID, KindArtifact)
	g.node(ReadGrantID, KindGrant, id.LogicalID, ArtifactID)
	return &Artifact{
		LogicalID:  ArtifactID,
		SourcePath: a.Path,
		Hash:       a.Hash,
		Key:        a.Key(),
		Grants: []*ReadGrant{{
			LogicalID: ReadGrantID,
			Identity:  id,
			Actions:   []string{"s3:GetObject*", "s3:GetBucket*", "s3:List*"},
		}},
	}
}

// wireBootstrap appends the download and execute actions to every instance.
// It requires the artifact, so it cannot run before addArtifact.
func (g *Graph) wireBootstrap(instances []*Instance, a *Artifact) {
	target := path.Join(bootDownloadDir, a.Key)
	for _, inst := range instances {
		inst.Boot = append(inst.Boot,
			BootAction{Kind: BootDownload, Artifact: a, Path: target},
			BootAction{Kind: BootExecute, Artifact: a, Path: target},
		)
		g.Edges = append(g.Edges, Edge{From: inst.LogicalID, To: a.LogicalID})
		for _, grant := range a.Grants {
			if grant.Identity == inst.Identity {
				g.Edges = append(g.Edges, Edge{From: inst.LogicalID, To: grant.LogicalID})
			}
		}
	}
}

func (g *Graph) addDatabaseRuleSet(port int32, web *RuleSet) *RuleSet {
	g.node(DatabaseRuleSetID, KindRuleSet, web.LogicalID)
	return &RuleSet{
		LogicalID:        DatabaseRuleSetID,
		Description:      "Allow database access from the web tier",
		AllowAllOutbound: true,
		Ingress: []Rule{{
			Protocol:    ProtocolTCP,
			Port:        port,
			Source:      FromRuleSet(web),
			Description: "Allow database traffic from web servers",
		}},
	}
}

func (g *Graph) addDatabase(cfg *config.DatabaseConfig, subnets []Subnet, rs *RuleSet) *Database {
	g.node(DatabaseSecretID, KindSecret)
	g.node(DatabaseID, KindDatabase, rs.LogicalID, DatabaseSecretID)
	return &Database{
		LogicalID:            DatabaseID,
		SubnetGroupLogicalID: DatabaseSubnetsID,
		Engine:               cfg.Engine,
		EngineVersion:        cfg.EngineVersion,
		InstanceClass:        cfg.InstanceClass,
		AllocatedStorage:     cfg.AllocatedStorage,
		StorageType:          "gp2",
		Name:                 cfg.Name,
		Port:                 cfg.Port,
		MultiAZ:              cfg.MultiAZ,
		PubliclyAccessible:   false,
		Subnets:              subnets,
		RuleSet:              rs,
		Credentials: &Secret{
			LogicalID: DatabaseSecretID,
			Username:  cfg.Username,
		},
		RemovalPolicy: RemovalPolicy(cfg.RemovalPolicy),
	}
}
