// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispatcher implements the Dispatcher (D): the three
// concurrent loops (L1 tick, L2 event, L3 liveness sweep) that match
// due planets to idle workers, react to worker-reported events, and
// self-heal from a dead Scheduling Index or a lost worker. Structure
// follows a context+ticker select loop over injected Store/Index/
// Registry dependencies; the assignment and recovery policy itself
// follows original_source's assignment_service.py and
// recovery_service.py.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/index"
	"github.com/orrery/dispatch/session"
)

// Registry is everything the Dispatcher needs from a Session
// Registry. *session.Registry satisfies this; tests substitute a
// fake so L1/L2/L3 logic can be exercised without a real WebSocket.
type Registry interface {
	Events() <-chan session.Event
	AssignJob(workerID, planetID string, season, round int) error
	Dispatch(workerID, action string, params map[string]any) error
	Close(workerID, reason string)
	CloseAll(reason string)
	Count() int
}

// Dispatcher wires the Durable Store, Scheduling Index, and Session
// Registry together and runs the three concurrent loops: tick-driven
// assignment, worker-event handling, and a liveness sweep.
type Dispatcher struct {
	Store    domain.Store
	Index    index.Index
	Registry Registry
	Clock    clock.Clock
	Config   Config
	Log      *logrus.Entry

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// ready is closed once startup reconciliation has completed and
	// L1/L2/L3 are about to start, so callers (and tests) can tell
	// the one-time startup sweep apart from steady-state operation.
	ready chan struct{}
}

// New constructs a Dispatcher. Config zero values are replaced with
// documented defaults.
func New(store domain.Store, idx index.Index, reg Registry, cfg Config, log *logrus.Entry) *Dispatcher {
	cfg.fillDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		Store:    store,
		Index:    idx,
		Registry: reg,
		Clock:    clock.New(),
		Config:   cfg,
		Log:      log.WithField("component", "dispatcher"),
		ready:    make(chan struct{}),
	}
}

// Ready returns a channel that is closed once startup reconciliation
// has completed and the tick/event/sweep loops are about to start.
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.ready
}

// Run performs startup reconciliation and then starts L1, L2, and L3
// as separate goroutines, blocking until ctx is
// cancelled. Callers should call Run in its own goroutine and cancel
// ctx (or call Stop) to shut down.
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.startupReconcile(runCtx); err != nil {
		d.Log.WithError(err).Error("startup reconciliation failed")
		return err
	}
	close(d.ready)

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.runTickLoop(runCtx) }()
	go func() { defer d.wg.Done(); d.runEventLoop(runCtx) }()
	go func() { defer d.wg.Done(); d.runSweepLoop(runCtx) }()

	<-runCtx.Done()
	d.wg.Wait()
	return nil
}

// Stop cancels the run context and waits for all three loops to
// return.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// now is a small indirection so every loop reads time through the
// injected clock, matching worker.Worker's Clock field.
func (d *Dispatcher) now() time.Time {
	return d.Clock.Now()
}
