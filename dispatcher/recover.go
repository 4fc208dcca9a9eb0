// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import (
	"context"

	"github.com/orrery/dispatch/domain"
)

// recover is the single shared orphan-recovery procedure, grounded
// directly on original_source's recovery_service.py module
// docstring: recovery logic that used to be duplicated across
// startup, websocket-disconnect, and health-check call sites is
// consolidated into one function, called from every site that can
// discover an orphaned job (session close, liveness sweep, startup
// reconciliation) instead of being reimplemented at each.
//
// If worker has no CurrentJob, the worker is still marked Offline
// (§4.6 step 1) but no planet-side work happens; recover returns ""
// and a nil error -- this matches recover_orphaned_job's early return
// when server.current_task is unset, except that this rewrite always
// applies the Offline transition rather than skipping it outright.
func (d *Dispatcher) recover(ctx context.Context, workerID, reason string) (string, error) {
	var planetID string
	now := d.now()

	err := d.Store.WithWorkerTx(ctx, workerID, func(w *domain.Worker) error {
		planetID = w.CurrentJob
		w.CurrentJob = ""
		w.State = domain.WorkerOffline
		w.DisconnectedAt = &now
		return nil
	})
	if err != nil {
		return "", err
	}
	if planetID == "" {
		return "", nil
	}

	err = d.Store.WithPlanetTx(ctx, planetID, func(p *domain.Planet) error {
		p.Status = domain.PlanetQueued
		p.ProcessingWorker = ""
		return nil
	})
	if err != nil {
		d.Log.WithError(err).WithField("planet_id", planetID).Error("recover: failed to requeue planet")
		return planetID, err
	}

	if err := d.Store.CloseAttempt(ctx, planetID, domain.AttemptTimeout, reason, now); err != nil {
		d.Log.WithError(err).WithField("planet_id", planetID).Warn("recover: failed to close attempt record")
	}

	planet, err := d.Store.GetPlanetByID(ctx, planetID)
	if err == nil {
		d.Index.Upsert(ctx, planetID, planet.NextRunTime)
	}

	recoveriesTotal.WithLabelValues(reason).Inc()
	d.Log.WithField("worker_id", workerID).WithField("planet_id", planetID).WithField("reason", reason).Info("recovered orphaned job")
	return planetID, nil
}
