// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package session

import "github.com/orrery/dispatch/domain"

// EventKind is the type of an Event delivered to the dispatcher's L2
// event loop.
type EventKind string

const (
	// WorkerReady fires when a session opens (new connection), on
	// every heartbeat frame (carrying any reported telemetry), or when
	// a worker reports Idle via status_update.
	WorkerReady EventKind = "WORKER_READY"

	// JobCompleted fires on an inbound job_done frame.
	JobCompleted EventKind = "JOB_COMPLETED"

	// JobFailed fires on an inbound error frame.
	JobFailed EventKind = "JOB_FAILED"

	// WorkerLost fires when a session closes, whether by explicit
	// disconnect frame, socket error, or read/write timeout.
	WorkerLost EventKind = "WORKER_LOST"
)

// Event is one occurrence the Session Registry hands to the
// dispatcher. Only the fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	WorkerID string

	PlanetID    string
	Result      []byte
	NextTime    *float64
	Season      *int
	Round       *int
	RoundNumber *int
	ErrMessage  string
	Telemetry   *domain.Telemetry
	LossReason  string
}
