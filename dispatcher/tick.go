// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import (
	"context"
	"time"

	"github.com/orrery/dispatch/domain"
)

// runTickLoop is L1: the assignment pass, run every Config.Tick.
// Structure follows cmd/coordinated/metrics.go's Observe loop
// (context cancellation + time.After + select).
func (d *Dispatcher) runTickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Clock.After(d.Config.Tick):
			t0 := d.now()
			if err := d.assignOnce(ctx); err != nil {
				d.Log.WithError(err).Error("tick: assignment pass failed")
			}
			tickSeconds.Observe(d.Clock.Since(t0).Seconds())
		}
	}
}

// assignOnce is one L1 pass: poll the Scheduling Index for due
// planets, falling back to the Durable Store when the index is empty
// or unreachable, then hand each due planet to the least-loaded idle
// worker, marking the worker Busy in the Durable Store before the
// Session Registry send -- the ordering original_source's
// assignment_service.py calls out explicitly as a race guard.
func (d *Dispatcher) assignOnce(ctx context.Context) error {
	now := d.now()

	duePlanets, err := d.pollDue(ctx, now)
	if err != nil {
		return err
	}
	if len(duePlanets) == 0 {
		return nil
	}

	workers, err := d.Store.ListIdleWorkers(ctx, len(duePlanets))
	if err != nil {
		return err
	}

	for i, planetID := range duePlanets {
		if i >= len(workers) {
			break
		}
		worker := workers[i]
		if err := d.assign(ctx, planetID, worker.WorkerID, "tick"); err != nil {
			d.Log.WithError(err).WithField("planet_id", planetID).WithField("worker_id", worker.WorkerID).Warn("tick: assignment failed")
		}
	}
	return nil
}

// pollDue returns due planet IDs from the Scheduling Index, falling
// back to d.reconcileFromStore when the index comes back empty --
// whether because it is genuinely empty or because the backend could
// not be reached, both cases are indistinguishable to the caller by
// design (index.Index fails soft) and both are handled the same way.
func (d *Dispatcher) pollDue(ctx context.Context, now time.Time) ([]string, error) {
	ids, _ := d.Index.PollDue(ctx, now, d.Config.Batch)
	if len(ids) > 0 {
		return ids, nil
	}
	return d.reconcileFromStore(ctx, now)
}

// assign transitions planetID to Processing and workerID to Busy
// inside the Durable Store, removes the planet from the Scheduling
// Index, opens its TaskAttempt, and sends the assign_job frame. If
// any Durable Store step fails, nothing has reached the worker and
// the caller can simply try the next planet/worker pair. If the
// Session Registry send fails (no live session), the already-applied
// Durable Store state is unwound by recover so the planet is not
// stranded as Processing with nobody working it.
func (d *Dispatcher) assign(ctx context.Context, planetID, workerID, source string) error {
	var planet *domain.Planet

	err := d.Store.WithPlanetTx(ctx, planetID, func(p *domain.Planet) error {
		if p.Status != domain.PlanetQueued {
			return domain.ErrWrongState
		}
		p.Status = domain.PlanetProcessing
		p.ProcessingWorker = workerID
		planet = p
		return nil
	})
	if err != nil {
		return err
	}

	err = d.Store.WithWorkerTx(ctx, workerID, func(w *domain.Worker) error {
		if w.State != domain.WorkerIdle {
			return domain.ErrWrongState
		}
		w.State = domain.WorkerBusy
		w.CurrentJob = planetID
		w.Assigned++
		return nil
	})
	if err != nil {
		// Undo the planet-side state; nobody was ever told about
		// this job.
		_ = d.Store.WithPlanetTx(ctx, planetID, func(p *domain.Planet) error {
			p.Status = domain.PlanetQueued
			p.ProcessingWorker = ""
			return nil
		})
		return err
	}

	d.Index.Remove(ctx, planetID)

	now := d.now()
	if _, err := d.Store.OpenOrReopenAttempt(ctx, planetID, workerID, planet.RetryCount, now); err != nil {
		d.Log.WithError(err).WithField("planet_id", planetID).Warn("assign: failed to record attempt")
	}

	if err := d.Registry.AssignJob(workerID, planetID, planet.Season, planet.Round); err != nil {
		d.Log.WithError(err).WithField("worker_id", workerID).Warn("assign: no active session, recovering")
		if _, recErr := d.recover(ctx, workerID, "assign failed: no active session"); recErr != nil {
			d.Log.WithError(recErr).Error("assign: recovery after failed send also failed")
		}
		return err
	}

	assignmentsTotal.WithLabelValues(source).Inc()
	return nil
}
