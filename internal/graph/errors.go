package graph

import (
	"errors"
	"fmt"
)

var (
	ErrNilNetwork        = errors.New("no network provided")
	ErrNoPublicSubnets   = errors.New("network has no public subnets to place compute instances in")
	ErrNoIsolatedSubnets = errors.New("network has no isolated subnets to place the database in")
	ErrBootstrapScript   = errors.New("bootstrap script is unusable")
)

// ConfigurationError reports an input that cannot produce a graph. It is
// returned before anything is constructed, so there is never a partial graph
// alongside it.
type ConfigurationError struct {
	// VPCID is the offending network, when known.
	VPCID string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.VPCID == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.VPCID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
