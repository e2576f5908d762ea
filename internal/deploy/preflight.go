package deploy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/graph"
	"golang.org/x/sync/errgroup"
)

// IAMAPI is the subset of the IAM client used by preflight.
type IAMAPI interface {
	GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
}

// EC2API is the subset of the EC2 client used by preflight.
type EC2API interface {
	DescribeInstanceTypeOfferings(ctx context.Context, params *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
}

var (
	ErrPreflight               = errors.New("preflight checks failed")
	ErrManagedPolicyMissing    = errors.New("managed policy does not exist")
	ErrInstanceTypeUnavailable = errors.New("instance type is not offered")
)

// Preflight checks a graph against the account before anything is created,
// so failures the engine would only hit halfway through surface early.
type Preflight struct {
	iam       IAMAPI
	ec2       EC2API
	partition string
}

// NewPreflight returns a Preflight. An empty partition means "aws".
func NewPreflight(iamClient IAMAPI, ec2Client EC2API, partition string) *Preflight {
	if partition == "" {
		partition = "aws"
	}
	return &Preflight{iam: iamClient, ec2: ec2Client, partition: partition}
}

// Partition returns the AWS partition a region belongs to.
func Partition(region string) string {
	switch {
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	}
	return "aws"
}

// Check runs every check concurrently and reports all failures together.
func (p *Preflight) Check(ctx context.Context, g *graph.Graph) error {
	ctx, span := tracer().Start(ctx, "deploy.Preflight")
	defer span.End()

	log := clog.FromContext(ctx)

	var (
		mu   sync.Mutex
		errs error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = errors.Join(errs, err)
	}

	var eg errgroup.Group
	for _, name := range g.Identity.ManagedPolicies {
		eg.Go(func() error {
			if err := p.managedPolicy(ctx, name); err != nil {
				fail(err)
			}
			return nil
		})
	}
	for it, zones := range instanceZones(g) {
		eg.Go(func() error {
			if err := p.instanceType(ctx, it, zones); err != nil {
				fail(err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if errs != nil {
		span.RecordError(errs)
		return fmt.Errorf("%w: %w", ErrPreflight, errs)
	}
	log.Info("preflight checks passed")
	return nil
}

func (p *Preflight) managedPolicy(ctx context.Context, name string) error {
	arn := fmt.Sprintf("arn:%s:iam::aws:policy/%s", p.partition, name)
	_, err := p.iam.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
	var notFound *iamtypes.NoSuchEntityException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrManagedPolicyMissing, arn)
	}
	if err != nil {
		return fmt.Errorf("looking up managed policy %s: %w", arn, err)
	}
	clog.FromContext(ctx).Debug("managed policy exists", "policy_arn", arn)
	return nil
}

// instanceType checks it is offered in every zone, or in the region when no
// zone is known.
func (p *Preflight) instanceType(ctx context.Context, it ec2types.InstanceType, zones []string) error {
	input := &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: ec2types.LocationTypeRegion,
		Filters: []ec2types.Filter{{
			Name:   aws.String("instance-type"),
			Values: []string{string(it)},
		}},
	}
	if len(zones) > 0 {
		input.LocationType = ec2types.LocationTypeAvailabilityZone
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("location"),
			Values: zones,
		})
	}

	out, err := p.ec2.DescribeInstanceTypeOfferings(ctx, input)
	if err != nil {
		return fmt.Errorf("looking up offerings for %s: %w", it, err)
	}

	offered := make(map[string]bool, len(out.InstanceTypeOfferings))
	for _, o := range out.InstanceTypeOfferings {
		offered[aws.ToString(o.Location)] = true
	}
	if len(zones) == 0 {
		if len(offered) == 0 {
			return fmt.Errorf("%w: %s in this region", ErrInstanceTypeUnavailable, it)
		}
		return nil
	}

	var errs error
	for _, z := range zones {
		if !offered[z] {
			errs = errors.Join(errs, fmt.Errorf("%w: %s in %s", ErrInstanceTypeUnavailable, it, z))
		}
	}
	return errs
}

// instanceZones groups the zones each instance type is placed in.
func instanceZones(g *graph.Graph) map[ec2types.InstanceType][]string {
	out := make(map[ec2types.InstanceType][]string)
	for _, inst := range g.Instances {
		zones := out[inst.InstanceType]
		if z := inst.Subnet.AvailabilityZone; z != "" && !slices.Contains(zones, z) {
			zones = append(zones, z)
		}
		out[inst.InstanceType] = zones
	}
	return out
}
