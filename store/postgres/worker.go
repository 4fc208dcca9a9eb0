// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/orrery/dispatch/domain"
)

func workerColumns() []string {
	return []string{
		workerID, workerAddress, workerState, workerLastHeartbeat,
		workerIdleCPU, workerIdleRAM, workerPeakCPU, workerPeakRAM, workerDisk,
		workerCurrentJob, workerAssigned, workerCompleted, workerFailed,
		workerConnectedAt, workerDisconnectedAt,
	}
}

func scanWorker(row interface{ Scan(...interface{}) error }) (*domain.Worker, error) {
	var (
		w            domain.Worker
		lastHB       pq.NullTime
		connectedAt  pq.NullTime
		disconnected pq.NullTime
	)
	err := row.Scan(
		&w.WorkerID, &w.Address, &w.State, &lastHB,
		&w.Telemetry.IdleCPU, &w.Telemetry.IdleRAM, &w.Telemetry.PeakCPU, &w.Telemetry.PeakRAM, &w.Telemetry.Disk,
		&w.CurrentJob, &w.Assigned, &w.Completed, &w.Failed,
		&connectedAt, &disconnected,
	)
	if err != nil {
		return nil, err
	}
	w.LastHeartbeat = nullTimeToPtr(lastHB)
	w.ConnectedAt = nullTimeToPtr(connectedAt)
	w.DisconnectedAt = nullTimeToPtr(disconnected)
	return &w, nil
}

func (s *Store) CreateWorker(ctx context.Context, workerID, address string) (*domain.Worker, error) {
	var out *domain.Worker
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		fields := fieldList{}
		fields.Add(&params, "worker_id", workerID)
		fields.Add(&params, "address", address)
		fields.AddDirect("state", "'"+string(domain.WorkerOffline)+"'")
		query := fields.InsertStatement(workerTable) + " RETURNING " + columnList(workerColumns())
		row := tx.QueryRow(query, params...)
		w, err := scanWorker(row)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertWorkerOnConnect(ctx context.Context, workerID, address string, now time.Time) (*domain.Worker, error) {
	var out *domain.Worker
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		query := `INSERT INTO worker (worker_id, address, state, last_heartbeat, connected_at, disconnected_at)
			VALUES ($1, $2, $3, $4, $5, NULL)
			ON CONFLICT (worker_id) DO UPDATE SET
				address = EXCLUDED.address,
				state = EXCLUDED.state,
				last_heartbeat = EXCLUDED.last_heartbeat,
				connected_at = EXCLUDED.connected_at,
				disconnected_at = NULL
			RETURNING ` + columnList(workerColumns())
		params = append(params, workerID, address, string(domain.WorkerIdle), now, now)
		row := tx.QueryRow(query, params...)
		w, err := scanWorker(row)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	var out *domain.Worker
	err := withTx(s, true, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(workerColumns(), []string{workerTable}, []string{
			"worker_id=" + params.Param(workerID),
		})
		w, err := scanWorker(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListIdleWorkers(ctx context.Context, limit int) ([]*domain.Worker, error) {
	var out []*domain.Worker
	params := queryParams{}
	query := buildSelect(workerColumns(), []string{workerTable}, []string{
		"state=" + params.Param(string(domain.WorkerIdle)),
	})
	query += " ORDER BY completed ASC, worker_id ASC"
	if limit > 0 {
		query += " LIMIT " + params.Param(limit)
	}
	err := queryAndScan(s, query, params, func(rows *sql.Rows) error {
		w, err := scanWorker(rows)
		if err != nil {
			return err
		}
		out = append(out, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	var out []*domain.Worker
	query := buildSelect(workerColumns(), []string{workerTable}, nil)
	err := queryAndScan(s, query, nil, func(rows *sql.Rows) error {
		w, err := scanWorker(rows)
		if err != nil {
			return err
		}
		out = append(out, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// WithWorkerTx loads the worker row with FOR UPDATE, applies fn, and
// writes every mutable column back. The row lock, held for the
// transaction's lifetime, is this backend's answer to the
// per-worker-ID mutual exclusion domain.Store requires; the memory
// backend gets the same property from a single process-wide mutex.
func (s *Store) WithWorkerTx(ctx context.Context, workerID string, fn func(*domain.Worker) error) error {
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(workerColumns(), []string{workerTable}, []string{
			"worker_id=" + params.Param(workerID),
		}) + " FOR UPDATE"
		w, err := scanWorker(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}

		uparams := queryParams{}
		fields := fieldList{}
		fields.Add(&uparams, "address", w.Address)
		fields.Add(&uparams, "state", string(w.State))
		fields.Add(&uparams, "last_heartbeat", ptrToNullTime(w.LastHeartbeat))
		fields.Add(&uparams, "idle_cpu", w.Telemetry.IdleCPU)
		fields.Add(&uparams, "idle_ram", w.Telemetry.IdleRAM)
		fields.Add(&uparams, "peak_cpu", w.Telemetry.PeakCPU)
		fields.Add(&uparams, "peak_ram", w.Telemetry.PeakRAM)
		fields.Add(&uparams, "disk", w.Telemetry.Disk)
		fields.Add(&uparams, "current_job", w.CurrentJob)
		fields.Add(&uparams, "assigned", w.Assigned)
		fields.Add(&uparams, "completed", w.Completed)
		fields.Add(&uparams, "failed", w.Failed)
		fields.Add(&uparams, "connected_at", ptrToNullTime(w.ConnectedAt))
		fields.Add(&uparams, "disconnected_at", ptrToNullTime(w.DisconnectedAt))
		query = buildUpdate(workerTable, fields.UpdateChanges(), []string{
			"worker_id=" + uparams.Param(workerID),
		})
		_, err = tx.Exec(query, uparams...)
		return err
	})
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	pqerr, ok := err.(*pq.Error)
	return ok && pqerr.Code == "23505"
}

// columnList strips the "table." qualifier RETURNING/SELECT-from
// other tables don't need; our table-qualified name constants read
// better in multi-table WHERE clauses but RETURNING wants bare names.
func columnList(qualified []string) string {
	bare := make([]string, len(qualified))
	for i, c := range qualified {
		bare[i] = unqualify(c)
	}
	out := ""
	for i, c := range bare {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func unqualify(col string) string {
	for i := len(col) - 1; i >= 0; i-- {
		if col[i] == '.' {
			return col[i+1:]
		}
	}
	return col
}
