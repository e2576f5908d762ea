package network

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/o11y"
	"golang.org/x/sync/errgroup"
)

// EC2API is the subset of the EC2 client used for discovery.
type EC2API interface {
	ec2.DescribeSubnetsAPIClient
	ec2.DescribeRouteTablesAPIClient
}

var (
	errSubnetsDescribe     = errors.New("failed to describe subnets")
	errRouteTablesDescribe = errors.New("failed to describe route tables")
	ErrVPCNotFound         = errors.New("VPC has no subnets")
	ErrNoMainRouteTable    = errors.New("VPC has no main route table")
)

// Discover reads the subnets of vpcID and classifies each one by the route
// table it uses:
//
//   - a default route through an internet gateway makes it public
//   - a route through a NAT gateway makes it private
//   - anything else is isolated
//
// Subnets without an explicit association use the VPC's main route table.
// Within each type, subnets are ordered by availability zone then CIDR.
func Discover(ctx context.Context, client EC2API, vpcID string) (*Static, error) {
	log := clog.FromContext(ctx).With(o11y.AttrVPCID, vpcID)

	filter := []ec2types.Filter{{
		Name:   aws.String("vpc-id"),
		Values: []string{vpcID},
	}}

	var (
		subnets []ec2types.Subnet
		tables  []ec2types.RouteTable
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p := ec2.NewDescribeSubnetsPaginator(client, &ec2.DescribeSubnetsInput{Filters: filter})
		for p.HasMorePages() {
			page, err := p.NextPage(gctx)
			if err != nil {
				return fmt.Errorf("%w: %w", errSubnetsDescribe, err)
			}
			subnets = append(subnets, page.Subnets...)
		}
		return nil
	})
	g.Go(func() error {
		p := ec2.NewDescribeRouteTablesPaginator(client, &ec2.DescribeRouteTablesInput{Filters: filter})
		for p.HasMorePages() {
			page, err := p.NextPage(gctx)
			if err != nil {
				return fmt.Errorf("%w: %w", errRouteTablesDescribe, err)
			}
			tables = append(tables, page.RouteTables...)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(subnets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVPCNotFound, vpcID)
	}

	explicit := make(map[string]ec2types.RouteTable)
	var mainTable *ec2types.RouteTable
	for i, rtb := range tables {
		for _, assoc := range rtb.Associations {
			if aws.ToBool(assoc.Main) {
				mainTable = &tables[i]
			}
			if assoc.SubnetId != nil {
				explicit[*assoc.SubnetId] = rtb
			}
		}
	}

	byType := make(map[graph.SubnetType][]graph.Subnet)
	for _, s := range subnets {
		id := aws.ToString(s.SubnetId)
		rtb, ok := explicit[id]
		if !ok {
			if mainTable == nil {
				return nil, fmt.Errorf("%w: %s (subnet %s has no route table)", ErrNoMainRouteTable, vpcID, id)
			}
			rtb = *mainTable
		}

		t := classify(rtb)
		log.Debug("classified subnet", "subnet_id", id, "route_table_id", aws.ToString(rtb.RouteTableId), "type", t)
		byType[t] = append(byType[t], graph.Subnet{
			ID:               id,
			AvailabilityZone: aws.ToString(s.AvailabilityZone),
			CIDR:             aws.ToString(s.CidrBlock),
		})
	}

	n := New(vpcID)
	for _, t := range []graph.SubnetType{graph.SubnetPublic, graph.SubnetPrivate, graph.SubnetIsolated} {
		sorted := byType[t]
		slices.SortFunc(sorted, compareSubnets)
		n.With(t, sorted...)
	}

	log.Info("discovered network", "subnets", n.Counts())
	return n, nil
}

func classify(rtb ec2types.RouteTable) graph.SubnetType {
	private := false
	for _, r := range rtb.Routes {
		if r.State == ec2types.RouteStateBlackhole {
			continue
		}
		if strings.HasPrefix(aws.ToString(r.GatewayId), "igw-") {
			return graph.SubnetPublic
		}
		if r.NatGatewayId != nil {
			private = true
		}
	}
	if private {
		return graph.SubnetPrivate
	}
	return graph.SubnetIsolated
}

func compareSubnets(a, b graph.Subnet) int {
	if c := cmp.Compare(a.AvailabilityZone, b.AvailabilityZone); c != 0 {
		return c
	}
	pa, errA := netip.ParsePrefix(a.CIDR)
	pb, errB := netip.ParsePrefix(b.CIDR)
	if errA == nil && errB == nil {
		if c := pa.Addr().Compare(pb.Addr()); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}
