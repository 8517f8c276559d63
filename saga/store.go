package saga

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no instance exists for the requested id.
var ErrNotFound = errors.New("saga instance not found")

// ErrStaleInstance is returned by Update when the instance version in
// storage no longer matches the loaded one.
var ErrStaleInstance = errors.New("saga instance was modified concurrently")

// Store manages saga instances persistent operations.
type Store interface {

	// Insert persists a new instance. It must be called inside an existing
	// transaction provided in the context so the instance and the control
	// event that starts it become durable together.
	Insert(ctx context.Context, i *Instance) error

	// Lock loads an instance acquiring a per row exclusive claim that lasts
	// until the surrounding transaction ends. This is what serializes all
	// work belonging to a single instance. It must be called inside an
	// existing transaction provided in the context.
	Lock(ctx context.Context, id uuid.UUID) (*Instance, error)

	// Update persists the instance checking the version column, increments
	// it, and returns ErrStaleInstance when the row changed underneath.
	Update(ctx context.Context, i *Instance) error

	// Find loads an instance without locking it. Read only operational
	// visibility.
	Find(ctx context.Context, id uuid.UUID) (*Instance, error)

	// FailedInstances returns up to limit instances in FAILED state, oldest
	// first, for operator inspection.
	FailedInstances(ctx context.Context, limit int) ([]*Instance, error)
}
