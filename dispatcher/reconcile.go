// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import (
	"context"
	"time"

	"github.com/orrery/dispatch/domain"
)

// reconcileFromStore is the Durable Store scan that repairs a
// Scheduling Index that came back empty, grounded
// directly on original_source's assignment_service.py, which falls
// back to `Planet.objects.filter(status='queued', next_round_time__lte=now)`
// and re-queues into Redis whenever the Redis read returns nothing,
// logging a warning. Planets found this way are both returned to the
// caller (so this tick's assignment pass can use them immediately)
// and re-inserted into the index (so the next tick does not need to
// repeat the scan).
func (d *Dispatcher) reconcileFromStore(ctx context.Context, now time.Time) ([]string, error) {
	planets, err := d.Store.FilterPlanetsByStatus(ctx, domain.PlanetQueued, now, d.Config.Batch)
	if err != nil {
		return nil, err
	}
	if len(planets) == 0 {
		return nil, nil
	}

	d.Log.WithField("count", len(planets)).Warn("scheduling index empty, repaired due planets from durable store")

	ids := make([]string, 0, len(planets))
	for _, p := range planets {
		d.Index.Upsert(ctx, p.PlanetID, p.NextRunTime)
		ids = append(ids, p.PlanetID)
	}
	return ids, nil
}

// startupReconcile runs once before the three loops start (spec
// §4.7): every worker not already Offline has no live session in this
// process's fresh Session Registry -- whatever job it held (if any)
// is unconditionally orphaned, and the worker itself is driven back
// to Offline, via the shared recover procedure -- then the Scheduling
// Index is rebuilt from every Queued planet in the Durable Store,
// since a freshly started process has an empty index (or, with a
// shared Redis, a possibly-stale one) regardless of reachability.
func (d *Dispatcher) startupReconcile(ctx context.Context) error {
	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.State == domain.WorkerOffline {
			continue
		}
		if _, err := d.recover(ctx, w.WorkerID, "process restart"); err != nil {
			d.Log.WithError(err).WithField("worker_id", w.WorkerID).Error("startup: failed to recover orphaned job")
		}
	}

	now := d.now()
	planets, err := d.Store.FilterPlanetsByStatus(ctx, domain.PlanetQueued, time.Time{}, 0)
	if err != nil {
		return err
	}
	for _, p := range planets {
		d.Index.Upsert(ctx, p.PlanetID, p.NextRunTime)
	}

	d.Log.WithField("now", now).WithField("count", len(planets)).Info("startup reconciliation complete")
	return nil
}
