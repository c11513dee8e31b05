package storage

import (
	"context"
	"errors"
	"slices"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
)

// ErrNoChange may be returned by an update function to skip the write.
// UpdateMachine then returns the current record and a nil error.
var ErrNoChange = errors.New("no change")

// Registry owns machine records. Every lookup is scoped by cluster.
type Registry interface {
	ListMachines(ctx context.Context, clusterID string) ([]models.Machine, error)
	CreateMachine(ctx context.Context, m models.Machine) error
	GetMachine(ctx context.Context, clusterID, machineID string) (models.Machine, error)
	UpdateMachine(ctx context.Context, clusterID, machineID string, fn func(*models.Machine) error) (models.Machine, error)
	DeleteMachine(ctx context.Context, clusterID, machineID string) error
}

// StateStore records lifecycle state per machine. A machine without a
// record is Stopped.
type StateStore interface {
	GetState(ctx context.Context, machineID string) (models.LifecycleState, error)
	// CompareAndSwapState moves from -> to atomically, failing with
	// models.ErrConflict when the current state is not from.
	CompareAndSwapState(ctx context.Context, machineID string, from, to models.LifecycleState) error
	SetState(ctx context.Context, machineID string, to models.LifecycleState) error
}

// Store interface (kept minimal, allows swapping implementations).
type Store interface {
	Registry
	StateStore
	Ping(ctx context.Context) error
	Close() error
}

// sortMachines orders records by creation time so listings follow insertion order.
func sortMachines(ms []models.Machine) {
	slices.SortStableFunc(ms, func(a, b models.Machine) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// applyUpdate runs fn on a copy of current and pins the immutable fields.
func applyUpdate(current models.Machine, fn func(*models.Machine) error) (models.Machine, error) {
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.ID = current.ID
	next.ClusterID = current.ClusterID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	return next, nil
}
