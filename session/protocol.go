// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package session implements the Session Registry (SR): the set of
// live, bidirectional JSON connections to workers, one per connected
// WorkerID at path /session/{worker_id}. The wire vocabulary here
// ports original_source's UnityServerConsumer message types directly
// (heartbeat, status_update, job_done, error, disconnect inbound;
// assign_job, pong, command outbound) onto plain JSON frames instead
// of Django Channels groups.
package session

import "encoding/json"

// Inbound message type discriminants.
const (
	TypeHeartbeat    = "heartbeat"
	TypeStatusUpdate = "status_update"
	TypeJobDone      = "job_done"
	TypeError        = "error"
	TypeDisconnect   = "disconnect"
)

// Outbound message type discriminants.
const (
	TypeAssignJob = "assign_job"
	TypePong      = "pong"
	TypeCommand   = "command"
)

// envelope is the common shape of every frame: a type discriminant
// plus a raw payload decoded according to that type.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// InboundHeartbeat is sent periodically by a worker to renew its
// liveness. The telemetry fields are optional; a missing
// field decodes to its zero value and must not be treated as
// "reported zero usage" by callers -- see domain.Telemetry.
type InboundHeartbeat struct {
	Type    string   `json:"type"`
	IdleCPU *float64 `json:"idle_cpu,omitempty"`
	IdleRAM *float64 `json:"idle_ram,omitempty"`
	PeakCPU *float64 `json:"peak_cpu,omitempty"`
	PeakRAM *float64 `json:"peak_ram,omitempty"`
	Disk    *float64 `json:"disk,omitempty"`
}

// InboundStatusUpdate lets a worker self-report Idle/Busy outside the
// normal job lifecycle, e.g. after an administrative command.
type InboundStatusUpdate struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// InboundJobDone reports successful completion of the worker's
// current job. Season/Round/RoundNumber are optional: when a worker
// supplies them they are authoritative over the dispatcher's own
// round-increment logic, per spec §4.4.
//
// NextTime carries the worker's next_ts as epoch seconds, following
// original_source's UnityServerConsumer wire format, rather than the
// RFC 3339 string spec §6 names for next_run_time; domain.UnixTime
// converts it to the same absolute instant either encoding would
// produce, so handleJobCompleted's clamp-to-now-if-past logic applies
// identically regardless of which wire shape produced it.
type InboundJobDone struct {
	Type        string          `json:"type"`
	PlanetID    string          `json:"planet_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	NextTime    *float64        `json:"next_time,omitempty"`
	Season      *int            `json:"season,omitempty"`
	Round       *int            `json:"round,omitempty"`
	RoundNumber *int            `json:"round_number,omitempty"`
}

// InboundError reports failure of the worker's current job.
type InboundError struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id"`
	Error    string `json:"error"`
}

// InboundDisconnectNotice is an explicit graceful-shutdown notice; a
// worker that sends one is treated the same as a closed socket: the
// session closes and emits WORKER_LOST with the notice's reason.
type InboundDisconnectNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// OutboundAssignJob hands a due planet to an idle worker.
type OutboundAssignJob struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id"`
	Season   int    `json:"season"`
	Round    int    `json:"round"`
}

// OutboundPong answers a heartbeat.
type OutboundPong struct {
	Type string `json:"type"`
}

// OutboundCommand is an administrative passthrough the core never
// interprets; Action/Params are opaque to the dispatcher and
// meaningful only to the worker and whatever admin client issued them.
type OutboundCommand struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}
