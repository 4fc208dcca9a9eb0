// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package domain defines the data model shared by every component of
// the dispatcher: workers, planets, and task attempts, plus the
// constants that govern scheduling policy. In general, objects here
// carry a small amount of immutable identity (WorkerID, PlanetID) and
// the rest of their fields are mutated only through a Store
// transaction; nothing in this package talks to a database directly.
package domain

import (
	"regexp"
	"time"
)

// MaxRetries is the number of job failures a Planet tolerates before
// it is cooled down instead of retried immediately.
const MaxRetries = 5

// Cooldown is the delay imposed on a Planet after it exhausts
// MaxRetries, after which it re-enters normal scheduling with
// RetryCount reset to zero.
const Cooldown = 30 * time.Second

// planetIDPattern is the admission-time format constraint on PlanetID.
var planetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidPlanetID reports whether id satisfies the admission format
// constraint.
func ValidPlanetID(id string) bool {
	return planetIDPattern.MatchString(id)
}

// UnixTime converts a Unix timestamp (as carried on the wire in a
// job_done frame's next_time field) to a time.Time.
func UnixTime(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second)))
}

// WorkerState is the lifecycle state of a Worker.
type WorkerState string

const (
	WorkerOffline     WorkerState = "offline"
	WorkerIdle        WorkerState = "idle"
	WorkerBusy        WorkerState = "busy"
	WorkerUnresponsive WorkerState = "unresponsive"
)

// PlanetStatus is the scheduling status of a Planet.
type PlanetStatus string

const (
	PlanetQueued     PlanetStatus = "queued"
	PlanetProcessing PlanetStatus = "processing"
	PlanetError      PlanetStatus = "error"
)

// AttemptOutcome is the terminal (or pending) state of a TaskAttempt.
type AttemptOutcome string

const (
	AttemptStarted   AttemptOutcome = "started"
	AttemptCompleted AttemptOutcome = "completed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptTimeout   AttemptOutcome = "timeout"
)

// Telemetry is the advisory resource snapshot a worker reports on
// heartbeat. All fields are optional; a zero value means "not
// reported", not "zero usage", so this is never used for scheduling
// decisions, only surfaced on the admin projections.
type Telemetry struct {
	IdleCPU float64
	IdleRAM float64
	PeakCPU float64
	PeakRAM float64
	Disk    float64
}

// Worker is one connected (or previously connected) compute node.
type Worker struct {
	WorkerID string
	Address  string

	State         WorkerState
	LastHeartbeat *time.Time
	Telemetry     Telemetry

	// CurrentJob is the PlanetID this worker is processing, or ""
	// if the worker is not BUSY. Invariant: State == Busy iff
	// CurrentJob != "".
	CurrentJob string

	Assigned  int64
	Completed int64
	Failed    int64

	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
}

// Busy reports whether w currently owns an in-flight job.
func (w *Worker) Busy() bool {
	return w.State == WorkerBusy
}

// Planet is one schedulable unit of recurring work.
type Planet struct {
	PlanetID string

	NextRunTime time.Time
	Status      PlanetStatus

	Season      int
	Round       int
	RoundNumber int

	LastProcessed    *time.Time
	ProcessingWorker string
	RetryCount       int
}

// Due reports whether p is eligible for assignment at instant now.
func (p *Planet) Due(now time.Time) bool {
	return p.Status == PlanetQueued && !p.NextRunTime.After(now)
}

// TaskAttempt is an audit record of one worker's attempt at one
// planet's run. A single row is reopened across retries, whichever
// worker the retry lands on, rather than growing without bound; see
// Store.OpenOrReopenAttempt.
type TaskAttempt struct {
	ID       int64
	PlanetID string
	WorkerID string

	StartTime time.Time
	EndTime   *time.Time

	Outcome     AttemptOutcome
	ErrorDetail string
}

// Duration returns the attempt's elapsed time, or zero if it has not
// yet closed.
func (a *TaskAttempt) Duration() time.Duration {
	if a.EndTime == nil {
		return 0
	}
	return a.EndTime.Sub(a.StartTime)
}
