package graph

import (
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Logical identifiers of the singleton descriptors. Instances are numbered
// from WebInstance1 in public subnet order.
const (
	IdentityID         = "InstanceRole"
	InstanceProfileID  = "InstanceProfile"
	ReadGrantID        = "InstanceRoleDefaultPolicy"
	WebRuleSetID       = "WebServerSecurityGroup"
	ArtifactID         = "BootstrapAsset"
	DatabaseRuleSetID  = "DatabaseSecurityGroup"
	DatabaseSubnetsID  = "DatabaseSubnetGroup"
	DatabaseSecretID   = "DatabaseSecret"
	DatabaseID         = "Database"
	instanceIDPrefix   = "WebInstance"
	computeServiceName = "ec2.amazonaws.com"
	bootDownloadDir    = "/tmp"
)

// Kind names the type of a node in the graph.
type Kind string

const (
	KindIdentity Kind = "identity"
	KindGrant    Kind = "grant"
	KindRuleSet  Kind = "rule-set"
	KindInstance Kind = "instance"
	KindArtifact Kind = "artifact"
	KindSecret   Kind = "secret"
	KindDatabase Kind = "database"
)

// Graph is the complete desired state for one deployment. It is an inert
// value: nothing in it talks to a cloud.
type Graph struct {
	VPCID string

	Identity        *Identity
	WebRuleSet      *RuleSet
	Instances       []*Instance
	Artifact        *Artifact
	DatabaseRuleSet *RuleSet
	Database        *Database

	// Nodes lists every descriptor in construction order.
	Nodes []Node

	// Edges are the dependencies between Nodes. An edge From -> To means To
	// must exist before From can be created.
	Edges []Edge
}

// Node is a descriptor's position in the graph.
type Node struct {
	ID   string
	Kind Kind
}

// Edge is an explicit dependency between two logical identifiers.
type Edge struct {
	From string
	To   string
}

// Identity is the role assumed by every compute instance.
type Identity struct {
	LogicalID        string
	ProfileLogicalID string

	// TrustedService is the service principal allowed to assume the role.
	TrustedService string

	// ManagedPolicies are AWS managed policy names attached to the role.
	ManagedPolicies []string
}

// Protocol is an IP protocol name as the EC2 API spells it.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolAll Protocol = "-1"
)

// AnyIPv4 is the CIDR for every IPv4 address.
const AnyIPv4 = "0.0.0.0/0"

// Peer is the source of an ingress rule: either a CIDR or another rule set.
type Peer struct {
	CIDR    string
	RuleSet *RuleSet
}

// FromAnyIPv4 returns a peer matching every IPv4 address.
func FromAnyIPv4() Peer {
	return Peer{CIDR: AnyIPv4}
}

// FromRuleSet returns a peer matching members of rs.
func FromRuleSet(rs *RuleSet) Peer {
	return Peer{RuleSet: rs}
}

// IsRuleSet reports whether the peer references a rule set rather than an
// address range.
func (p Peer) IsRuleSet() bool {
	return p.RuleSet != nil
}

// Rule allows inbound traffic on one port.
type Rule struct {
	Protocol    Protocol
	Port        int32
	Source      Peer
	Description string
}

// RuleSet is an inbound firewall attached to the network.
type RuleSet struct {
	LogicalID   string
	Description string
	Ingress     []Rule

	// AllowAllOutbound permits every egress destination.
	AllowAllOutbound bool
}

// ImageSelector resolves the machine image at deploy time.
type ImageSelector struct {
	// SSMParameter is the public SSM parameter holding the image id.
	SSMParameter string
}

// Instance is one web server.
type Instance struct {
	LogicalID    string
	InstanceType ec2types.InstanceType
	Image        ImageSelector
	Subnet       Subnet
	Identity     *Identity
	RuleSet      *RuleSet

	// Boot runs once, in order, at first boot.
	Boot []BootAction
}

// BootActionKind is what a boot action does.
type BootActionKind string

const (
	BootDownload BootActionKind = "download"
	BootExecute  BootActionKind = "execute"
)

// BootAction is one step of first-boot user data.
type BootAction struct {
	Kind     BootActionKind
	Artifact *Artifact

	// Path is where the artifact is downloaded to and executed from.
	Path string
}

// Artifact is the content addressed bootstrap script.
type Artifact struct {
	LogicalID string

	// SourcePath is the local file the content came from.
	SourcePath string

	// Hash is the hex sha256 of the content, Key the object key derived
	// from it.
	Hash string
	Key  string

	Grants []*ReadGrant
}

// ReadGrant allows an identity to fetch an artifact.
type ReadGrant struct {
	LogicalID string
	Identity  *Identity
	Actions   []string
}

// Secret references generated credentials kept in an external store. It
// never holds the value.
type Secret struct {
	LogicalID string
	Username  string
}

// RemovalPolicy is what the provisioning engine does with a resource when it
// is removed from the desired state.
type RemovalPolicy string

const (
	RemovalDestroy  RemovalPolicy = "destroy"
	RemovalRetain   RemovalPolicy = "retain"
	RemovalSnapshot RemovalPolicy = "snapshot"
)

// Database is the managed relational database.
type Database struct {
	LogicalID            string
	SubnetGroupLogicalID string

	Engine           string
	EngineVersion    string
	InstanceClass    string
	AllocatedStorage int32
	StorageType      string
	Name             string
	Port             int32
	MultiAZ          bool

	// PubliclyAccessible is always false.
	PubliclyAccessible bool

	// Subnets only ever contains isolated subnets.
	Subnets []Subnet

	RuleSet       *RuleSet
	Credentials   *Secret
	RemovalPolicy RemovalPolicy
}
