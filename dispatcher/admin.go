// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import "context"

// Dispatch sends an administrative command{action,params} frame
// straight through to a connected worker: the dispatcher never
// interprets action or params, it only routes the frame to the named
// worker's session.
func (d *Dispatcher) Dispatch(ctx context.Context, workerID, action string, params map[string]any) error {
	return d.Registry.Dispatch(workerID, action, params)
}

// ForceAssign immediately assigns planetID to workerID outside the
// normal tick cadence. It uses the same Durable-Store-then-
// Session-Registry ordering as the L1 tick path.
func (d *Dispatcher) ForceAssign(ctx context.Context, planetID, workerID string) error {
	return d.assign(ctx, planetID, workerID, "admin")
}
