// Package store defines the persistence contract for proxy state that
// survives restarts: the worker roster and the dead-letter queue.
package store

import (
	"context"

	"github.com/proofgate/proofgate/dlq"
	"github.com/proofgate/proofgate/registry"
)

// Store persists roster records and dead-letter entries.
type Store interface {
	registry.RosterStore
	dlq.Store

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
