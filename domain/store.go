// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"
	"time"
)

// Store is the Durable Store (DS): the single authoritative record of
// every Worker, Planet, and TaskAttempt. Every mutation the dispatcher
// makes goes through Store first; the Scheduling Index is a volatile
// acceleration structure derived from it, never the other way around.
//
// Implementations must serialize concurrent mutations to the same
// Worker or the same Planet. The Postgres backend does this with
// SELECT ... FOR UPDATE inside WithPlanetTx/WithWorkerTx, which lets
// unrelated rows proceed concurrently; the memory backend holds one
// store-wide mutex for every operation, so it serializes unrelated
// rows as well.
type Store interface {
	// CreateWorker inserts a new Worker in WorkerOffline state.
	// Returns ErrDuplicate if WorkerID is already present.
	CreateWorker(ctx context.Context, workerID, address string) (*Worker, error)

	// UpsertWorkerOnConnect marks a worker Idle and records
	// ConnectedAt, creating the row if it does not already exist.
	// This is the entry point used when a session opens.
	UpsertWorkerOnConnect(ctx context.Context, workerID, address string, now time.Time) (*Worker, error)

	// GetWorker returns a worker by ID, or ErrNotFound.
	GetWorker(ctx context.Context, workerID string) (*Worker, error)

	// ListIdleWorkers returns Idle workers ordered by Completed
	// ascending, then WorkerID ascending (least-loaded-first), for
	// L1's assignment pass. limit <= 0 means unbounded.
	ListIdleWorkers(ctx context.Context, limit int) ([]*Worker, error)

	// ListWorkers returns every known worker, for admin inspection.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// WithWorkerTx runs fn with exclusive access to the named
	// worker's row, loading it first and persisting whatever fn
	// leaves in the returned *Worker. fn may return ErrWrongState
	// (or any error) to abort without persisting.
	WithWorkerTx(ctx context.Context, workerID string, fn func(*Worker) error) error

	// CreatePlanet inserts a new Planet in PlanetQueued state.
	// Returns ErrDuplicate if PlanetID exists, ErrInvalidID if the
	// ID fails ValidPlanetID.
	CreatePlanet(ctx context.Context, planetID string, nextRunTime time.Time) (*Planet, error)

	// GetPlanetByID returns a planet by ID, or ErrNotFound.
	GetPlanetByID(ctx context.Context, planetID string) (*Planet, error)

	// FilterPlanetsByStatus returns up to limit planets in the given
	// status, ordered by NextRunTime ascending. Used by the
	// reconciler's DB fallback scan and by the L3 ERROR sweep.
	FilterPlanetsByStatus(ctx context.Context, status PlanetStatus, dueBefore time.Time, limit int) ([]*Planet, error)

	// DeletePlanet removes a planet. before, if non-nil, is called
	// with the planet's current state while still holding its lock,
	// so callers can remove the matching Scheduling Index entry
	// before the row disappears; if before returns an error the
	// delete is aborted.
	DeletePlanet(ctx context.Context, planetID string, before func(*Planet) error) error

	// WithPlanetTx runs fn with exclusive access to the named
	// planet's row, loading it first (ErrNotFound if absent) and
	// persisting whatever fn leaves in the returned *Planet.
	WithPlanetTx(ctx context.Context, planetID string, fn func(*Planet) error) error

	// OpenOrReopenAttempt starts (or, per the retry-reuse rule,
	// reopens) the TaskAttempt row for planetID/workerID. When
	// retryCount > 0, the planet's most recent Failed attempt is
	// reopened in place (Outcome <- Started, StartTime reset,
	// EndTime cleared, WorkerID updated to the new assignee) instead
	// of growing a new row; this is what bounds the number of
	// attempt rows per planet to O(max retries + completions) under
	// retry storms. retryCount == 0 (fresh assignment, or a planet
	// whose last attempt already completed) always opens a new row.
	OpenOrReopenAttempt(ctx context.Context, planetID, workerID string, retryCount int, now time.Time) (*TaskAttempt, error)

	// CloseAttempt closes the open attempt for planetID (there is at
	// most one at a time, per I1) with the given outcome.
	CloseAttempt(ctx context.Context, planetID string, outcome AttemptOutcome, errDetail string, now time.Time) error

	// ListAttempts returns attempt history for a planet, most recent
	// first, for admin inspection and tests.
	ListAttempts(ctx context.Context, planetID string, limit int) ([]*TaskAttempt, error)

	// Close releases backend resources (connection pools etc).
	Close() error
}
