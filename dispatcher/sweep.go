// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import (
	"context"
	"time"

	"github.com/orrery/dispatch/domain"
)

// runSweepLoop is L3: the liveness sweep plus the belt-and-braces
// ERROR-status self-heal, run every Config.HeartbeatSweep. Structure
// again follows cmd/coordinated/metrics.go's Observe loop.
func (d *Dispatcher) runSweepLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Clock.After(d.Config.HeartbeatSweep):
			t0 := d.now()
			d.sweepOnce(ctx)
			sweepSeconds.Observe(d.Clock.Since(t0).Seconds())
		}
	}
}

// sweepOnce performs both halves of L3: reaping workers whose last
// heartbeat is older than HeartbeatTimeout (recovering whatever job
// they hold via the shared recover procedure), and separately
// auto-recovering any planet stuck in Error status, grounded on
// original_source's recovery_service.recover_error_planets, which the
// module docstring says is "Called By: tasks.check_server_health()
// (every 5 seconds via Celery Beat)" -- the same cadence this sweep
// runs at by default.
func (d *Dispatcher) sweepOnce(ctx context.Context) {
	activeSessions.Set(float64(d.Registry.Count()))

	if err := d.sweepUnresponsiveWorkers(ctx); err != nil {
		d.Log.WithError(err).Error("sweep: liveness pass failed")
	}
	if err := d.sweepErrorPlanets(ctx); err != nil {
		d.Log.WithError(err).Error("sweep: error-planet recovery pass failed")
	}
}

func (d *Dispatcher) sweepUnresponsiveWorkers(ctx context.Context) error {
	now := d.now()
	deadline := now.Add(-d.Config.HeartbeatTimeout)

	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	for _, w := range workers {
		if w.State == domain.WorkerOffline {
			continue
		}
		if w.LastHeartbeat == nil || w.LastHeartbeat.After(deadline) {
			continue
		}

		d.Log.WithField("worker_id", w.WorkerID).WithField("last_heartbeat", w.LastHeartbeat).Warn("worker missed heartbeat deadline, recovering")
		d.Registry.Close(w.WorkerID, "heartbeat timeout")
		if _, err := d.recover(ctx, w.WorkerID, "heartbeat timeout"); err != nil {
			d.Log.WithError(err).WithField("worker_id", w.WorkerID).Error("sweep: failed to recover unresponsive worker's job")
		}
		_ = d.Store.WithWorkerTx(ctx, w.WorkerID, func(w *domain.Worker) error {
			w.State = domain.WorkerUnresponsive
			return nil
		})
	}
	return nil
}

// sweepErrorPlanets recovers every planet sitting in Error status:
// reset to Queued, RetryCount cleared, scheduled for immediate retry,
// and re-admitted to the Scheduling Index. In this implementation a
// planet only ever reaches Error via an external administrative
// action (L2's own retry exhaustion already self-heals into
// cooldown, per the resolved Open Question in DESIGN.md), so this
// pass is the safety net for that path, exactly mirroring
// recover_error_planets's role as a periodic catch-all.
func (d *Dispatcher) sweepErrorPlanets(ctx context.Context) error {
	now := d.now()
	planets, err := d.Store.FilterPlanetsByStatus(ctx, domain.PlanetError, time.Time{}, d.Config.Batch)
	if err != nil {
		return err
	}
	if len(planets) == 0 {
		return nil
	}

	d.Log.WithField("count", len(planets)).Info("auto-recovering error-status planets")
	for _, p := range planets {
		err := d.Store.WithPlanetTx(ctx, p.PlanetID, func(p *domain.Planet) error {
			p.Status = domain.PlanetQueued
			p.RetryCount = 0
			p.ProcessingWorker = ""
			p.NextRunTime = now
			return nil
		})
		if err != nil {
			d.Log.WithError(err).WithField("planet_id", p.PlanetID).Warn("sweep: failed to recover error planet")
			continue
		}
		d.Index.Upsert(ctx, p.PlanetID, now)
		recoveriesTotal.WithLabelValues("error sweep").Inc()
	}
	return nil
}
