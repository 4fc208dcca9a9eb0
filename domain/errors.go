// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import "errors"

// Sentinel errors returned by Store implementations. Callers use
// errors.Is to test for these; backend-specific wrapping (e.g. a
// *pq.Error) stays behind them via %w.
var (
	// ErrNotFound is returned when a lookup by ID finds nothing.
	ErrNotFound = errors.New("domain: not found")

	// ErrDuplicate is returned when creating an entity whose ID
	// already exists.
	ErrDuplicate = errors.New("domain: duplicate id")

	// ErrWrongState is returned when an operation's preconditions on
	// the current Status/State of an entity are not met, e.g.
	// assigning a Planet that is not Queued, or dispatching to a
	// Worker that is not Idle.
	ErrWrongState = errors.New("domain: wrong state")

	// ErrInvalidID is returned when an identifier fails the format
	// constraint (ValidPlanetID).
	ErrInvalidID = errors.New("domain: invalid id")
)
