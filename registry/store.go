package registry

import (
	"context"
	"time"
)

// Record is the persisted form of a roster entry. Only identity survives a
// proxy restart; availability state is rediscovered by probing.
type Record struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RosterStore persists the worker roster so the registered worker set
// survives proxy restarts.
type RosterStore interface {
	// SaveWorker adds or updates a roster record.
	SaveWorker(ctx context.Context, rec *Record) error

	// RemoveWorker deletes a roster record by worker id.
	RemoveWorker(ctx context.Context, workerID string) error

	// ListWorkers returns all roster records.
	ListWorkers(ctx context.Context) ([]*Record, error)

	// ReplaceWorkers atomically swaps the whole roster.
	ReplaceWorkers(ctx context.Context, recs []*Record) error
}
