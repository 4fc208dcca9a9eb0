// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrery/dispatch/dispatcher"
	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/index/memindex"
	"github.com/orrery/dispatch/session"
	"github.com/orrery/dispatch/store/memory"
)

// fakeRegistry is a dispatcher.Registry that records assignments and
// lets tests inject events, standing in for a real session.Registry
// (which requires an actual WebSocket connection) the same way
// memory.NewWithClock stands in for postgres in these tests.
type fakeRegistry struct {
	mu       sync.Mutex
	events   chan session.Event
	sessions map[string]bool
	assigned []assignment
}

type assignment struct {
	workerID, planetID string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		events:   make(chan session.Event, 64),
		sessions: make(map[string]bool),
	}
}

func (f *fakeRegistry) Events() <-chan session.Event { return f.events }

func (f *fakeRegistry) AssignJob(workerID, planetID string, season, round int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[workerID] {
		return errNoSession
	}
	f.assigned = append(f.assigned, assignment{workerID, planetID})
	return nil
}

func (f *fakeRegistry) Dispatch(workerID, action string, params map[string]any) error { return nil }

func (f *fakeRegistry) Close(workerID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, workerID)
}

func (f *fakeRegistry) CloseAll(reason string) {}

func (f *fakeRegistry) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeRegistry) connect(workerID string) {
	f.mu.Lock()
	f.sessions[workerID] = true
	f.mu.Unlock()
}

func (f *fakeRegistry) assignments() []assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]assignment, len(f.assigned))
	copy(out, f.assigned)
	return out
}

type noSessionError struct{}

func (noSessionError) Error() string { return "no active session" }

var errNoSession = noSessionError{}

// newTestDispatcher wires a Dispatcher over the in-memory Store and
// Index against a real clock with a fast tick/sweep cadence, so
// require.Eventually's wall-clock polling actually observes progress
// -- the loops themselves are driven by clock.Clock.After, which a
// benbjohnson/clock.Mock would need manual Add() calls to advance.
func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *memory.Store, *memindex.Index, *fakeRegistry) {
	t.Helper()
	store := memory.New()
	idx := memindex.New()
	reg := newFakeRegistry()

	cfg := dispatcher.Config{
		Tick:             5 * time.Millisecond,
		HeartbeatSweep:   5 * time.Millisecond,
		HeartbeatTimeout: 50 * time.Millisecond,
		MaxRetries:       2,
		Cooldown:         time.Hour,
		Batch:            10,
	}
	d := dispatcher.New(store, idx, reg, cfg, nil)
	return d, store, idx, reg
}

func TestTickAssignsDuePlanetToIdleWorker(t *testing.T) {
	d, store, idx, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := store.CreatePlanet(ctx, "p1", now)
	require.NoError(t, err)

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // connect the worker only after startup reconciliation has run, since it offlines any non-Offline worker it finds

	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", now)
	require.NoError(t, err)
	reg.connect("w1")
	idx.Upsert(ctx, "p1", now)

	require.Eventually(t, func() bool {
		return len(reg.assignments()) == 1
	}, time.Second, time.Millisecond, "tick loop should assign the due planet")

	planet, err := store.GetPlanetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanetProcessing, planet.Status)

	worker, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerBusy, worker.State)
	assert.Equal(t, "p1", worker.CurrentJob)
}

func TestJobCompletedReschedulesAndFreesWorker(t *testing.T) {
	d, store, idx, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := store.CreatePlanet(ctx, "p1", now)
	require.NoError(t, err)
	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", now)
	require.NoError(t, err)
	reg.connect("w1")

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // avoid racing startup reconciliation, which would recover the Busy worker we're about to simulate below

	require.NoError(t, store.WithWorkerTx(ctx, "w1", func(w *domain.Worker) error {
		w.State = domain.WorkerBusy
		w.CurrentJob = "p1"
		return nil
	}))
	require.NoError(t, store.WithPlanetTx(ctx, "p1", func(p *domain.Planet) error {
		p.Status = domain.PlanetProcessing
		p.ProcessingWorker = "w1"
		return nil
	}))
	_, err = store.OpenOrReopenAttempt(ctx, "p1", "w1", 0, now)
	require.NoError(t, err)

	reg.events <- session.Event{Kind: session.JobCompleted, WorkerID: "w1", PlanetID: "p1"}

	require.Eventually(t, func() bool {
		w, err := store.GetWorker(ctx, "w1")
		return err == nil && w.State == domain.WorkerIdle
	}, time.Second, time.Millisecond)

	planet, err := store.GetPlanetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanetQueued, planet.Status)
	assert.Equal(t, 0, planet.RetryCount)

	_, ok := idx.PeekNextTime(ctx)
	assert.True(t, ok, "completed planet should be re-indexed")
}

func TestJobFailedCoolsDownAfterMaxRetries(t *testing.T) {
	d, store, _, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := store.CreatePlanet(ctx, "p1", now)
	require.NoError(t, err)

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // connect the worker only after startup reconciliation has run, since it offlines any non-Offline worker it finds

	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", now)
	require.NoError(t, err)
	reg.connect("w1")

	setup := func() {
		require.NoError(t, store.WithWorkerTx(ctx, "w1", func(w *domain.Worker) error {
			w.State = domain.WorkerBusy
			w.CurrentJob = "p1"
			return nil
		}))
		require.NoError(t, store.WithPlanetTx(ctx, "p1", func(p *domain.Planet) error {
			p.Status = domain.PlanetProcessing
			p.ProcessingWorker = "w1"
			return nil
		}))
		_, err := store.OpenOrReopenAttempt(ctx, "p1", "w1", 0, time.Now())
		require.NoError(t, err)
	}

	// MaxRetries is 2 in this config: three consecutive failures
	// should push RetryCount past the limit and trigger cooldown.
	for i := 0; i < 3; i++ {
		setup()
		reg.events <- session.Event{Kind: session.JobFailed, WorkerID: "w1", PlanetID: "p1", ErrMessage: "boom"}
		require.Eventually(t, func() bool {
			p, err := store.GetPlanetByID(ctx, "p1")
			return err == nil && p.ProcessingWorker == ""
		}, time.Second, time.Millisecond)

		attempts, err := store.ListAttempts(ctx, "p1", 1)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Regexp(t, `^\[retry \d/2\] boom$`, attempts[0].ErrorDetail)
	}

	planet, err := store.GetPlanetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanetQueued, planet.Status, "cooldown never leaves a planet in a terminal error state")
	assert.Equal(t, 0, planet.RetryCount)
	assert.True(t, planet.NextRunTime.After(now), "cooldown should push NextRunTime into the future")
}

func TestWorkerLostRecoversOrphanedJob(t *testing.T) {
	d, store, idx, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := store.CreatePlanet(ctx, "p1", now)
	require.NoError(t, err)
	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", now)
	require.NoError(t, err)

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // avoid racing startup reconciliation, which would recover the Busy worker we're about to simulate below

	require.NoError(t, store.WithWorkerTx(ctx, "w1", func(w *domain.Worker) error {
		w.State = domain.WorkerBusy
		w.CurrentJob = "p1"
		return nil
	}))
	require.NoError(t, store.WithPlanetTx(ctx, "p1", func(p *domain.Planet) error {
		p.Status = domain.PlanetProcessing
		p.ProcessingWorker = "w1"
		return nil
	}))
	_, err = store.OpenOrReopenAttempt(ctx, "p1", "w1", 0, now)
	require.NoError(t, err)

	reg.events <- session.Event{Kind: session.WorkerLost, WorkerID: "w1", LossReason: "socket closed"}

	require.Eventually(t, func() bool {
		p, err := store.GetPlanetByID(ctx, "p1")
		return err == nil && p.Status == domain.PlanetQueued
	}, time.Second, time.Millisecond)

	_, ok := idx.PeekNextTime(ctx)
	assert.True(t, ok, "recovered planet should be re-indexed so it can be reassigned")
}

func TestEmptyIndexReconcilesFromStore(t *testing.T) {
	d, store, idx, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := store.CreatePlanet(ctx, "p1", now)
	require.NoError(t, err)
	// Deliberately do NOT upsert p1 into the index -- simulates a
	// Scheduling Index that lost its state.

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // connect the worker only after startup reconciliation has run, since it offlines any non-Offline worker it finds

	// Startup reconciliation re-indexes every Queued planet, so drop
	// p1 again to leave the tick loop facing an empty index.
	idx.Remove(ctx, "p1")

	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", now)
	require.NoError(t, err)
	reg.connect("w1")

	require.Eventually(t, func() bool {
		return len(reg.assignments()) == 1
	}, time.Second, time.Millisecond, "reconciler should find p1 in the durable store and assign it")

	_, ok := idx.Size(ctx)
	assert.True(t, ok)
}

func TestUnresponsiveWorkerIsRecoveredByLivenessSweep(t *testing.T) {
	d, store, _, reg := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := time.Now().Add(-time.Hour)
	_, err := store.CreatePlanet(ctx, "p1", stale)
	require.NoError(t, err)
	_, err = store.UpsertWorkerOnConnect(ctx, "w1", "", stale)
	require.NoError(t, err)
	reg.connect("w1")

	go d.Run(ctx)
	defer d.Stop()
	<-d.Ready() // avoid racing startup reconciliation, which would recover the Busy worker we're about to simulate below

	require.NoError(t, store.WithWorkerTx(ctx, "w1", func(w *domain.Worker) error {
		w.State = domain.WorkerBusy
		w.CurrentJob = "p1"
		w.LastHeartbeat = &stale
		return nil
	}))
	require.NoError(t, store.WithPlanetTx(ctx, "p1", func(p *domain.Planet) error {
		p.Status = domain.PlanetProcessing
		p.ProcessingWorker = "w1"
		return nil
	}))
	_, err = store.OpenOrReopenAttempt(ctx, "p1", "w1", 0, stale)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := store.GetPlanetByID(ctx, "p1")
		return err == nil && p.Status == domain.PlanetQueued
	}, time.Second, time.Millisecond, "liveness sweep should recover the stale worker's job")

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerUnresponsive, w.State)
}
