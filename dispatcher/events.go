// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/session"
)

// runEventLoop is L2: the Session Registry's event channel drained
// one event at a time. Handler dispatch follows the sequential
// if-err-chaining style jobserver/work.go uses for GetWork/
// UpdateWorkUnit, rather than early returns.
func (d *Dispatcher) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.Registry.Events():
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev session.Event) {
	var err error

	switch ev.Kind {
	case session.WorkerReady:
		err = d.handleWorkerReady(ctx, ev)
	case session.JobCompleted:
		err = d.handleJobCompleted(ctx, ev)
	case session.JobFailed:
		err = d.handleJobFailed(ctx, ev)
	case session.WorkerLost:
		err = d.handleWorkerLost(ctx, ev)
	default:
		d.Log.WithField("kind", ev.Kind).Warn("unknown event kind, ignoring")
	}

	if err != nil {
		d.Log.WithError(err).WithField("worker_id", ev.WorkerID).WithField("kind", ev.Kind).Warn("event handling failed")
	}
}

// handleWorkerReady admits a worker into the Durable Store (first
// contact) or marks a returning worker Idle again.
// An unknown worker is created rather than rejected: the wire
// protocol has no separate registration step, so the first frame
// from a WorkerID is its registration.
func (d *Dispatcher) handleWorkerReady(ctx context.Context, ev session.Event) error {
	now := d.now()

	_, err := d.Store.GetWorker(ctx, ev.WorkerID)
	if errors.Is(err, domain.ErrNotFound) {
		_, err = d.Store.UpsertWorkerOnConnect(ctx, ev.WorkerID, "", now)
	} else if err == nil {
		err = d.Store.WithWorkerTx(ctx, ev.WorkerID, func(w *domain.Worker) error {
			w.LastHeartbeat = &now
			if ev.Telemetry != nil {
				w.Telemetry = *ev.Telemetry
			}
			if w.State == domain.WorkerBusy {
				// A heartbeat/status_update from a worker the
				// Durable Store still thinks is Busy is not itself
				// evidence of anything wrong; only an explicit
				// job_done/error frame ends a job. Leave the state
				// alone, but the heartbeat above still counts
				// against L3's liveness deadline.
				return nil
			}
			w.State = domain.WorkerIdle
			return nil
		})
	}
	return err
}

// handleJobCompleted closes the planet's attempt as Completed, frees
// the worker, and reschedules the planet for its next run. A replayed
// job_done for a planet that is no longer Processing under this
// worker (the first delivery already applied, or the planet has since
// been reassigned) is a no-op against the Durable Store, per the
// round-trip law in spec §8.
func (d *Dispatcher) handleJobCompleted(ctx context.Context, ev session.Event) error {
	now := d.now()

	nextRun := now
	if ev.NextTime != nil {
		nextRun = domain.UnixTime(*ev.NextTime)
		if nextRun.Before(now) {
			d.Log.WithField("planet_id", ev.PlanetID).WithField("next_time", nextRun).Warn("job_done: next_time in the past, clamping to now")
			nextRun = now
		}
	}

	var planet *domain.Planet
	var applied bool
	err := d.Store.WithPlanetTx(ctx, ev.PlanetID, func(p *domain.Planet) error {
		if p.Status != domain.PlanetProcessing || p.ProcessingWorker != ev.WorkerID {
			return nil
		}
		applied = true
		p.Status = domain.PlanetQueued
		p.ProcessingWorker = ""
		p.RetryCount = 0
		p.LastProcessed = &now
		if ev.Season != nil {
			p.Season = *ev.Season
		}
		if ev.Round != nil {
			p.Round = *ev.Round
		} else {
			p.Round++
		}
		if ev.RoundNumber != nil {
			p.RoundNumber = *ev.RoundNumber
		}
		p.NextRunTime = nextRun
		planet = p
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		// Planet was deleted mid-flight; nothing further to reconcile.
		return d.freeWorker(ctx, ev.WorkerID, true)
	}
	if err != nil {
		return err
	}
	if !applied {
		d.Log.WithField("planet_id", ev.PlanetID).WithField("worker_id", ev.WorkerID).Warn("job_done for a planet not Processing under this worker, dropping as a replay")
		return nil
	}

	if err := d.Store.CloseAttempt(ctx, ev.PlanetID, domain.AttemptCompleted, "", now); err != nil {
		d.Log.WithError(err).WithField("planet_id", ev.PlanetID).Warn("job completed: could not close attempt")
	}

	d.Index.Upsert(ctx, ev.PlanetID, nextRun)
	return d.freeWorker(ctx, ev.WorkerID, true)
}

// handleJobFailed implements the retry/cooldown policy: retries below
// MaxRetries are rescheduled
// immediately; a planet that exhausts MaxRetries is put into cooldown
// with RetryCount reset to zero rather than left in a terminal ERROR
// state, confirmed by original_source's recovery_service.py
// recover_error_planets, which exists specifically to pull planets
// back out of 'error' on a timer.
func (d *Dispatcher) handleJobFailed(ctx context.Context, ev session.Event) error {
	now := d.now()

	var planet *domain.Planet
	var retryAttempt int
	err := d.Store.WithPlanetTx(ctx, ev.PlanetID, func(p *domain.Planet) error {
		p.ProcessingWorker = ""
		p.RetryCount++
		retryAttempt = p.RetryCount
		if p.RetryCount > d.Config.MaxRetries {
			p.Status = domain.PlanetQueued
			p.RetryCount = 0
			p.NextRunTime = now.Add(d.Config.Cooldown)
			cooldownsTotal.Inc()
		} else {
			p.Status = domain.PlanetQueued
			p.NextRunTime = now
		}
		planet = p
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		_ = d.Store.CloseAttempt(ctx, ev.PlanetID, domain.AttemptFailed, ev.ErrMessage, now)
		return d.freeWorker(ctx, ev.WorkerID, false)
	}
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("[retry %d/%d] %s", retryAttempt, d.Config.MaxRetries, ev.ErrMessage)
	if err := d.Store.CloseAttempt(ctx, ev.PlanetID, domain.AttemptFailed, detail, now); err != nil {
		d.Log.WithError(err).WithField("planet_id", ev.PlanetID).Warn("job failed: could not close attempt")
	}

	d.Index.Upsert(ctx, ev.PlanetID, planet.NextRunTime)
	return d.freeWorker(ctx, ev.WorkerID, false)
}

// handleWorkerLost handles a lost connection: whatever job the
// worker was holding becomes orphaned and is handed to the single
// shared recover procedure.
func (d *Dispatcher) handleWorkerLost(ctx context.Context, ev session.Event) error {
	reason := ev.LossReason
	if reason == "" {
		reason = "worker lost"
	}
	_, err := d.recover(ctx, ev.WorkerID, reason)
	return err
}

// freeWorker returns a worker to Idle once its current job has ended,
// crediting the completion/failure counter that the admin surface and
// L1's least-loaded ordering both read.
func (d *Dispatcher) freeWorker(ctx context.Context, workerID string, completed bool) error {
	return d.Store.WithWorkerTx(ctx, workerID, func(w *domain.Worker) error {
		w.State = domain.WorkerIdle
		w.CurrentJob = ""
		if completed {
			w.Completed++
		} else {
			w.Failed++
		}
		return nil
	})
}
