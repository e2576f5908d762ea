package deploy

import (
	"context"
	"errors"
	"slices"

	"github.com/chainguard-dev/clog"
)

type (
	// Stack collects undo steps for side effects made outside the
	// provisioning engine, so a failed deploy leaves nothing behind.
	Stack struct {
		entries []entry
	}
	Destructor func(ctx context.Context) error

	entry struct {
		name string
		d    Destructor
	}
)

// Push adds a destructor, to be run in the reverse order they were added.
func (s *Stack) Push(name string, d Destructor) {
	s.entries = append(s.entries, entry{name: name, d: d})
}

// Len returns the number of pending destructors.
func (s *Stack) Len() int {
	return len(s.entries)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is empty
// afterwards.
func (s *Stack) Destroy(ctx context.Context) error {
	log := clog.FromContext(ctx)

	var errs error
	for _, e := range slices.Backward(s.entries) {
		log.Info("rolling back", "step", e.name)
		if err := e.d(ctx); err != nil {
			log.Warn("rollback step failed", "step", e.name, "error", err)
			errs = errors.Join(errs, err)
		}
	}
	s.entries = nil
	return errs
}
