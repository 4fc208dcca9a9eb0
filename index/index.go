// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package index defines the Scheduling Index (SI): a volatile,
// fail-soft priority structure keyed by PlanetID and scored by
// NextRunTime, used so the tick loop does not have to scan the
// Durable Store to find due work. An Index is always a derived view
// of the Durable Store, never a source of truth; every implementation
// must fail soft (return the zero value and false/empty on backend
// error, never panic or block the caller) so that a dead cache
// degrades to "reconcile from DS" rather than taking the dispatcher
// down with it.
package index

import (
	"context"
	"time"
)

// Index is the Scheduling Index contract. The Redis backend keeps
// every entry in the single sorted set "planet_round_queue"; the
// in-memory backend sorts all of its entries on every read.
type Index interface {
	// Upsert records planetID as due at nextRunTime, replacing any
	// prior entry for the same planet. Returns false if the backend
	// could not be reached; the caller should fall back to the DS.
	Upsert(ctx context.Context, planetID string, nextRunTime time.Time) bool

	// PollDue returns up to limit planet IDs due at or before now,
	// ordered by score ascending (ties broken stably; see the
	// per-backend doc comment for the exact tie-break). Returns an
	// empty, non-nil slice and false on backend failure -- NOT an
	// error -- so callers always get a slice they can range over.
	PollDue(ctx context.Context, now time.Time, limit int) ([]string, bool)

	// Remove drops planetID from the index, e.g. once it has been
	// dispatched or deleted. A no-op, not an error, if absent.
	Remove(ctx context.Context, planetID string) bool

	// Size reports the number of entries, or 0, false on failure.
	Size(ctx context.Context) (int, bool)

	// PeekNextTime reports the earliest score in the index without
	// removing it, for monitoring. ok is false if empty or on
	// failure.
	PeekNextTime(ctx context.Context) (t time.Time, ok bool)

	// ListAll returns every (planetID, nextRunTime) pair currently
	// indexed, for admin inspection. Returns nil, false on failure.
	ListAll(ctx context.Context) ([]Entry, bool)

	// Close releases backend resources.
	Close() error
}

// Entry is one (planetID, score) pair, used by ListAll.
type Entry struct {
	PlanetID    string
	NextRunTime time.Time
}
