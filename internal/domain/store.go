package domain

import (
	"context"
	"time"
)

// PositionStore is the persistent position aggregate. It exposes only
// targeted operations: fetch, small indexed queries, minimal field diffs
// and an atomic fetch-and-lock which is the hard-lock primitive.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)

	// FindByOrderID resolves the position owning an exchange order.
	FindByOrderID(ctx context.Context, orderID, symbol string) (Position, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Position, error)
	ListOpenForScan(ctx context.Context) ([]Position, error)

	// Apply executes a minimal field diff against one position.
	// The caller must hold the hard lock for any financial mutation.
	Apply(ctx context.Context, id string, diff *FieldDiff) error

	// AcquireHardLock atomically marks the position exclusively owned
	// by holder and returns its current state in the same operation.
	// A lock held by another worker yields ErrLockHeld unless it has
	// expired past ttl, in which case it is reclaimed. Callers must
	// use the returned state, never a pre-lock read.
	AcquireHardLock(ctx context.Context, id, holder, purpose string, ttl time.Duration) (Position, error)

	// ReleaseHardLock releases the holder's lock. An empty purpose
	// releases regardless of the purpose it was taken for.
	ReleaseHardLock(ctx context.Context, id, holder, purpose string) error

	// ListExpiredLocks returns positions locked continuously beyond
	// the grace period; ForceUnlock clears a stuck lock. Together they
	// back the sweeper that recovers from crashed workers.
	ListExpiredLocks(ctx context.Context, grace time.Duration) ([]Position, error)
	ForceUnlock(ctx context.Context, id string) error

	// ReopenClosed is the audited recovery operation: it atomically
	// resets the whole closing/accounting flag set of a closed
	// position. Nothing else may flip Closed back.
	ReopenClosed(ctx context.Context, id string) error
}

// Archiver persists the final snapshot of an accounted position to cold
// storage during accounting post-processing.
type Archiver interface {
	ArchivePosition(ctx context.Context, p Position) (location string, err error)
}
