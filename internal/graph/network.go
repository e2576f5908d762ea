package graph

// SubnetType classifies a subnet by its routing.
type SubnetType string

const (
	// SubnetPublic routes 0.0.0.0/0 through an internet gateway.
	SubnetPublic SubnetType = "public"
	// SubnetPrivate has egress (NAT) but no inbound route from the internet.
	SubnetPrivate SubnetType = "private"
	// SubnetIsolated has no route outside the VPC at all.
	SubnetIsolated SubnetType = "isolated"
)

// Subnet is a handle to an existing subnet.
type Subnet struct {
	ID               string
	AvailabilityZone string
	CIDR             string
}

// Network is a read-only view of an already constructed VPC.
type Network interface {
	// VPCID returns the VPC identifier.
	VPCID() string

	// PublicSubnets returns the public subnets in a stable order.
	PublicSubnets() []Subnet

	// SelectSubnets returns the subnets of the given type in a stable order.
	SelectSubnets(SubnetType) []Subnet
}
