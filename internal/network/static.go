// Package network provides graph.Network implementations: a static one loaded
// from a description file, and one discovered from an existing VPC.
package network

import (
	"fmt"
	"slices"

	"github.com/chainguard-dev/labstack/internal/graph"
)

// Static is a fixed network known ahead of time.
type Static struct {
	vpcID   string
	subnets map[graph.SubnetType][]graph.Subnet
}

var _ graph.Network = (*Static)(nil)

// New returns an empty network for vpcID. Subnets are added with With.
func New(vpcID string) *Static {
	return &Static{
		vpcID:   vpcID,
		subnets: make(map[graph.SubnetType][]graph.Subnet),
	}
}

// With appends subnets of type t, keeping insertion order.
func (s *Static) With(t graph.SubnetType, subnets ...graph.Subnet) *Static {
	s.subnets[t] = append(s.subnets[t], subnets...)
	return s
}

func (s *Static) VPCID() string {
	return s.vpcID
}

func (s *Static) PublicSubnets() []graph.Subnet {
	return s.SelectSubnets(graph.SubnetPublic)
}

// SelectSubnets returns a copy, so callers cannot reorder the network.
func (s *Static) SelectSubnets(t graph.SubnetType) []graph.Subnet {
	return slices.Clone(s.subnets[t])
}

// Counts returns the number of subnets per type, for logging.
func (s *Static) Counts() map[graph.SubnetType]int {
	out := make(map[graph.SubnetType]int, len(s.subnets))
	for t, subnets := range s.subnets {
		out[t] = len(subnets)
	}
	return out
}

// ParseSubnetType converts the textual form used in description files.
func ParseSubnetType(s string) (graph.SubnetType, error) {
	switch t := graph.SubnetType(s); t {
	case graph.SubnetPublic, graph.SubnetPrivate, graph.SubnetIsolated:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrSubnetType, s)
	}
}
