package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pinrelay/pkg/logx"
)

// Store is the persistence API used by the scheduler and the relay engine.
//
// Durability contract:
//   - Everything written here survives a process restart.
//   - Actions whose DueAt has passed while the process was down are NOT
//     dropped on load; they become immediately due (catch-up policy).
//   - Flush performs the once-per-sweep durable write; the mutating calls in
//     between may stage cheaply (journal append, in-memory map).
type Store interface {
	// Enqueue inserts unless an action with the same identity key already
	// exists. Reports whether an insert happened.
	Enqueue(ctx context.Context, a Action) (bool, error)

	// DueBefore returns all actions with DueAt <= now. Within a tenant the
	// order is insertion order (FIFO); across tenants the order is
	// unspecified.
	DueBefore(ctx context.Context, now time.Time) ([]Action, error)

	// Remove deletes by identity key. Removing an absent action is a no-op.
	Remove(ctx context.Context, a Action) error

	// IncrementRetry persists retries+1 for the action and returns the
	// updated copy.
	IncrementRetry(ctx context.Context, a Action) (Action, error)

	// Flush makes staged writes durable and prunes expired relay records.
	Flush(ctx context.Context) error

	// ClaimRelay atomically records that sourceID has been seen. It reports
	// true exactly once per sourceID; every later call reports false.
	ClaimRelay(ctx context.Context, tenantID, sourceID string) (bool, error)

	// AddRelayCopies appends delivered copies to an existing claim.
	AddRelayCopies(ctx context.Context, sourceID string, copies []RelayCopy) error

	// GetRelay returns the relay record for sourceID, if any.
	GetRelay(ctx context.Context, sourceID string) (RelayRecord, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RelayTTL <= 0 {
		cfg.RelayTTL = DefaultRelayTTL
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
