package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/labstack/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	vpcID   string
	subnets map[SubnetType][]Subnet
}

func (f *fakeNetwork) VPCID() string { return f.vpcID }

func (f *fakeNetwork) PublicSubnets() []Subnet { return f.subnets[SubnetPublic] }

func (f *fakeNetwork) SelectSubnets(t SubnetType) []Subnet { return f.subnets[t] }

func newFakeNetwork(public, isolated int) *fakeNetwork {
	n := &fakeNetwork{vpcID: "vpc-0123", subnets: map[SubnetType][]Subnet{}}
	for i := range public {
		n.subnets[SubnetPublic] = append(n.subnets[SubnetPublic], Subnet{
			ID:               fmt.Sprintf("subnet-pub%d", i),
			AvailabilityZone: fmt.Sprintf("us-west-2%c", 'a'+i),
			CIDR:             fmt.Sprintf("10.0.%d.0/24", i),
		})
	}
	for i := range isolated {
		n.subnets[SubnetIsolated] = append(n.subnets[SubnetIsolated], Subnet{
			ID:               fmt.Sprintf("subnet-iso%d", i),
			AvailabilityZone: fmt.Sprintf("us-west-2%c", 'a'+i),
			CIDR:             fmt.Sprintf("10.0.%d.0/24", 100+i),
		})
	}
	return n
}

func TestBuildInstancePerPublicSubnet(t *testing.T) {
	for _, n := range []int{1, 2, 3, 6} {
		t.Run(fmt.Sprintf("%d-public-subnets", n), func(t *testing.T) {
			network := newFakeNetwork(n, 2)

			g, err := NewBuilder(nil).Build(t.Context(), network)
			require.NoError(t, err)
			require.Len(t, g.Instances, n)

			seen := map[string]bool{}
			for i, inst := range g.Instances {
				assert.Equal(t, network.PublicSubnets()[i], inst.Subnet, "instances follow subnet order")
				assert.Equal(t, fmt.Sprintf("WebInstance%d", i+1), inst.LogicalID)
				assert.False(t, seen[inst.Subnet.ID], "subnet %s used twice", inst.Subnet.ID)
				seen[inst.Subnet.ID] = true
			}
			assert.Len(t, seen, n)
		})
	}
}

func TestBuildWebRuleSet(t *testing.T) {
	g, err := NewBuilder(nil).Build(t.Context(), newFakeNetwork(2, 2))
	require.NoError(t, err)

	require.Len(t, g.WebRuleSet.Ingress, 1)
	rule := g.WebRuleSet.Ingress[0]
	assert.Equal(t, ProtocolTCP, rule.Protocol)
	assert.Equal(t, int32(80), rule.Port)
	assert.Equal(t, AnyIPv4, rule.Source.CIDR)
	assert.False(t, rule.Source.IsRuleSet())
	assert.True(t, g.WebRuleSet.AllowAllOutbound)
}

func TestBuildDatabaseRuleSetReferencesWebRuleSet(t *testing.T) {
	g, err := NewBuilder(nil).Build(t.Context(), newFakeNetwork(3, 2))
	require.NoError(t, err)

	require.Len(t, g.DatabaseRuleSet.Ingress, 1)
	rule := g.DatabaseRuleSet.Ingress[0]
	assert.Equal(t, ProtocolTCP, rule.Protocol)
	assert.Equal(t, int32(3306), rule.Port)
	require.True(t, rule.Source.IsRuleSet())
	assert.Same(t, g.WebRuleSet, rule.Source.RuleSet)
	assert.Empty(t, rule.Source.CIDR, "database source must never be an address range")
	assert.Same(t, g.DatabaseRuleSet, g.Database.RuleSet)
}

func TestBuildDatabasePlacement(t *testing.T) {
	t.Run("isolated only", func(t *testing.T) {
		network := newFakeNetwork(2, 3)
		network.subnets[SubnetPrivate] = []Subnet{{ID: "subnet-nat0"}}

		g, err := NewBuilder(nil).Build(t.Context(), network)
		require.NoError(t, err)
		assert.Equal(t, network.SelectSubnets(SubnetIsolated), g.Database.Subnets)
		assert.False(t, g.Database.PubliclyAccessible)
	})

	t.Run("overlapping selections exclude public subnets", func(t *testing.T) {
		network := newFakeNetwork(2, 2)
		public := network.PublicSubnets()
		network.subnets[SubnetIsolated] = append(network.subnets[SubnetIsolated], public[1], public[0])

		g, err := NewBuilder(nil).Build(t.Context(), network)
		require.NoError(t, err)
		require.Len(t, g.Database.Subnets, 2)
		for _, s := range g.Database.Subnets {
			for _, p := range public {
				assert.NotEqual(t, p.ID, s.ID)
			}
		}
	})

	t.Run("only overlapping isolated subnets", func(t *testing.T) {
		network := newFakeNetwork(2, 0)
		network.subnets[SubnetIsolated] = network.PublicSubnets()

		g, err := NewBuilder(nil).Build(t.Context(), network)
		require.ErrorIs(t, err, ErrNoIsolatedSubnets)
		assert.Nil(t, g)
	})
}

func TestBuildSharesIdentityAndArtifact(t *testing.T) {
	g, err := NewBuilder(nil).Build(t.Context(), newFakeNetwork(3, 2))
	require.NoError(t, err)
	require.Len(t, g.Instances, 3)

	for _, inst := range g.Instances {
		assert.Same(t, g.Identity, inst.Identity)
		assert.Same(t, g.WebRuleSet, inst.RuleSet)
		require.Len(t, inst.Boot, 2)
		assert.Equal(t, BootDownload, inst.Boot[0].Kind)
		assert.Equal(t, BootExecute, inst.Boot[1].Kind)
		for _, action := range inst.Boot {
			assert.Same(t, g.Artifact, action.Artifact)
			assert.Equal(t, "/tmp/"+g.Artifact.Key, action.Path)
		}
	}

	require.Len(t, g.Artifact.Grants, 1, "one grant covers every instance")
	assert.Same(t, g.Identity, g.Artifact.Grants[0].Identity)

	var identities, artifacts, grants int
	for _, n := range g.Nodes {
		switch n.Kind {
		case KindIdentity:
			identities++
		case KindArtifact:
			artifacts++
		case KindGrant:
			grants++
		}
	}
	assert.Equal(t, 1, identities)
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 1, grants)
}

func TestBuildIdentity(t *testing.T) {
	g, err := NewBuilder(nil).Build(t.Context(), newFakeNetwork(1, 1))
	require.NoError(t, err)

	assert.Equal(t, "ec2.amazonaws.com", g.Identity.TrustedService)
	assert.Equal(t, []string{"AmazonSSMManagedInstanceCore"}, g.Identity.ManagedPolicies)
}

func TestBuildConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		network  Network
		script   string
		expected error
	}{
		{
			name:     "zero public subnets",
			network:  newFakeNetwork(0, 2),
			expected: ErrNoPublicSubnets,
		},
		{
			name:     "zero isolated subnets",
			network:  newFakeNetwork(2, 0),
			expected: ErrNoIsolatedSubnets,
		},
		{
			name:     "nil network",
			network:  nil,
			expected: ErrNilNetwork,
		},
		{
			name:     "missing bootstrap script",
			network:  newFakeNetwork(1, 1),
			script:   filepath.Join(os.TempDir(), "labstack-does-not-exist.sh"),
			expected: ErrBootstrapScript,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Bootstrap.Script = tt.script

			g, err := NewBuilder(cfg).Build(t.Context(), tt.network)
			require.Error(t, err)
			assert.Nil(t, g, "no partial graph")

			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder(nil)

	g1, err := b.Build(t.Context(), newFakeNetwork(3, 2))
	require.NoError(t, err)
	g2, err := b.Build(t.Context(), newFakeNetwork(3, 2))
	require.NoError(t, err)

	assert.Equal(t, g1, g2)
	assert.NotSame(t, g1.Identity, g2.Identity, "graphs share no state")
}

func TestBuildUsesConfiguration(t *testing.T) {
	script := filepath.Join(t.TempDir(), "boot.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho ok\n"), 0o600))

	cfg := config.Default()
	cfg.Compute.InstanceType = "t3.small"
	cfg.Compute.HTTPPort = 8080
	cfg.Database.Port = 5432
	cfg.Database.Engine = "postgres"
	cfg.Database.EngineVersion = "16.4"
	cfg.Database.MultiAZ = true
	cfg.Database.RemovalPolicy = "snapshot"
	cfg.Bootstrap.Script = script

	g, err := NewBuilder(cfg).Build(t.Context(), newFakeNetwork(2, 2))
	require.NoError(t, err)

	for _, inst := range g.Instances {
		assert.Equal(t, ec2types.InstanceTypeT3Small, inst.InstanceType)
		assert.Equal(t, cfg.Compute.ImageParameter, inst.Image.SSMParameter)
	}
	assert.Equal(t, int32(8080), g.WebRuleSet.Ingress[0].Port)
	assert.Equal(t, int32(5432), g.DatabaseRuleSet.Ingress[0].Port)
	assert.Equal(t, "postgres", g.Database.Engine)
	assert.Equal(t, "16.4", g.Database.EngineVersion)
	assert.True(t, g.Database.MultiAZ)
	assert.Equal(t, RemovalSnapshot, g.Database.RemovalPolicy)
	assert.Equal(t, script, g.Artifact.SourcePath)
	assert.Equal(t, "admin", g.Database.Credentials.Username)
}

func TestBuildDefaults(t *testing.T) {
	g, err := NewBuilder(nil).Build(t.Context(), newFakeNetwork(1, 2))
	require.NoError(t, err)

	assert.Equal(t, ec2types.InstanceTypeT3Micro, g.Instances[0].InstanceType)
	assert.Equal(t, "mysql", g.Database.Engine)
	assert.Equal(t, "8.0.39", g.Database.EngineVersion)
	assert.Equal(t, "db.t3.micro", g.Database.InstanceClass)
	assert.Equal(t, int32(20), g.Database.AllocatedStorage)
	assert.Equal(t, "CdkLabDatabase", g.Database.Name)
	assert.False(t, g.Database.MultiAZ)
	assert.Equal(t, RemovalDestroy, g.Database.RemovalPolicy)
	assert.Equal(t, DatabaseSecretID, g.Database.Credentials.LogicalID)
}
