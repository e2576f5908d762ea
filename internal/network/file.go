package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/o11y"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

var (
	ErrSubnetType         = errors.New("unknown subnet type")
	ErrDescriptionFormat  = errors.New("unsupported network description format")
	ErrDescriptionParse   = errors.New("failed to parse network description")
	ErrDescriptionInvalid = errors.New("invalid network description")
)

// Description is the on-disk form of a network. In YAML:
//
//	vpc_id: vpc-0abc
//	subnets:
//	  - type: public
//	    id: subnet-0123
//	    availability_zone: us-west-2a
//	    cidr: 10.0.0.0/24
//
// and in HCL:
//
//	vpc_id = "vpc-0abc"
//
//	subnet "public" {
//	  id                = "subnet-0123"
//	  availability_zone = "us-west-2a"
//	  cidr              = "10.0.0.0/24"
//	}
type Description struct {
	VPCID   string              `yaml:"vpc_id" hcl:"vpc_id" validate:"required,startswith=vpc-"`
	Subnets []SubnetDescription `yaml:"subnets" hcl:"subnet,block" validate:"required,dive"`
}

type SubnetDescription struct {
	Type             string `yaml:"type" hcl:"type,label" validate:"required,oneof=public private isolated"`
	ID               string `yaml:"id" hcl:"id" validate:"required,startswith=subnet-"`
	AvailabilityZone string `yaml:"availability_zone" hcl:"availability_zone,optional"`
	CIDR             string `yaml:"cidr" hcl:"cidr,optional" validate:"omitempty,cidrv4"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads a network description. The format follows the extension:
// .yaml, .yml and .json are decoded as YAML, .hcl as HCL.
func LoadFile(ctx context.Context, path string) (*Static, error) {
	log := clog.FromContext(ctx).With("path", path)

	var (
		desc *Description
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		desc, err = decodeYAML(path)
	case ".hcl":
		desc, err = decodeHCL(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDescriptionFormat, ext)
	}
	if err != nil {
		return nil, err
	}

	n, err := desc.Network()
	if err != nil {
		return nil, err
	}
	log.Debug("loaded network description", o11y.AttrVPCID, n.VPCID(), "subnets", n.Counts())
	return n, nil
}

func decodeYAML(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptionParse, err)
	}
	desc := &Description{}
	if err := yaml.Unmarshal(data, desc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDescriptionParse, path, err)
	}
	return desc, nil
}

func decodeHCL(path string) (*Description, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s: %w", ErrDescriptionParse, path, diags)
	}

	desc := &Description{}
	if diags := gohcl.DecodeBody(file.Body, nil, desc); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s: %w", ErrDescriptionParse, path, diags)
	}
	return desc, nil
}

// Network validates d and converts it. Subnets keep their file order within
// each type; a subnet id may only appear once.
func (d *Description) Network() (*Static, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptionInvalid, err)
	}

	n := New(d.VPCID)
	seen := make(map[string]bool, len(d.Subnets))
	for _, s := range d.Subnets {
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: subnet %s listed more than once", ErrDescriptionInvalid, s.ID)
		}
		seen[s.ID] = true

		t, err := ParseSubnetType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDescriptionInvalid, err)
		}
		n.With(t, graph.Subnet{
			ID:               s.ID,
			AvailabilityZone: s.AvailabilityZone,
			CIDR:             s.CIDR,
		})
	}
	return n, nil
}
