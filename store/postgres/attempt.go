// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/orrery/dispatch/domain"
)

func attemptColumns() []string {
	return []string{
		attemptIDCol, attemptPlanetID, attemptWorkerID,
		attemptStartTime, attemptEndTime, attemptOutcome, attemptErrorDetail,
	}
}

func scanAttempt(row interface{ Scan(...interface{}) error }) (*domain.TaskAttempt, error) {
	var (
		a       domain.TaskAttempt
		endTime pq.NullTime
	)
	err := row.Scan(&a.ID, &a.PlanetID, &a.WorkerID, &a.StartTime, &endTime, &a.Outcome, &a.ErrorDetail)
	if err != nil {
		return nil, err
	}
	a.EndTime = nullTimeToPtr(endTime)
	return &a, nil
}

// OpenOrReopenAttempt implements the retry-reuse rule under the
// planet's row lock: when retryCount > 0 and the most recent attempt
// for planetID ended Failed, that row is reopened in place (new
// worker_id, start_time reset, end_time/error_detail cleared,
// outcome <- Started); otherwise a fresh row is inserted. Locking the
// planet row (not just the attempt row) prevents two concurrent
// assignments of the same planet from both deciding to open a new
// attempt.
func (s *Store) OpenOrReopenAttempt(ctx context.Context, planetID, workerID string, retryCount int, now time.Time) (*domain.TaskAttempt, error) {
	var out *domain.TaskAttempt
	err := withTx(s, false, func(tx *sql.Tx) error {
		lockParams := queryParams{}
		_, err := tx.Exec("SELECT planet_id FROM "+planetTable+" WHERE planet_id="+lockParams.Param(planetID)+" FOR UPDATE", lockParams...)
		if err != nil {
			return err
		}

		params := queryParams{}
		query := buildSelect(attemptColumns(), []string{attemptTable}, []string{
			"planet_id=" + params.Param(planetID),
		}) + " ORDER BY start_time DESC LIMIT 1 FOR UPDATE"
		last, err := scanAttempt(tx.QueryRow(query, params...))
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && retryCount > 0 && last.Outcome == domain.AttemptFailed {
			uparams := queryParams{}
			fields := fieldList{}
			fields.Add(&uparams, "worker_id", workerID)
			fields.Add(&uparams, "start_time", now)
			fields.AddDirect("end_time", "NULL")
			fields.Add(&uparams, "outcome", string(domain.AttemptStarted))
			fields.Add(&uparams, "error_detail", "")
			uquery := buildUpdate(attemptTable, fields.UpdateChanges(), []string{
				"id=" + uparams.Param(last.ID),
			}) + " RETURNING " + columnList(attemptColumns())
			reopened, err := scanAttempt(tx.QueryRow(uquery, uparams...))
			if err != nil {
				return err
			}
			out = reopened
			return nil
		}

		iparams := queryParams{}
		fields := fieldList{}
		fields.Add(&iparams, "planet_id", planetID)
		fields.Add(&iparams, "worker_id", workerID)
		fields.Add(&iparams, "start_time", now)
		fields.AddDirect("outcome", "'"+string(domain.AttemptStarted)+"'")
		iquery := fields.InsertStatement(attemptTable) + " RETURNING " + columnList(attemptColumns())
		a, err := scanAttempt(tx.QueryRow(iquery, iparams...))
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseAttempt closes the single open attempt for planetID. Per I1
// there is never more than one open attempt per planet at a time, so
// this always targets "the" open row rather than needing an attempt
// ID from the caller.
func (s *Store) CloseAttempt(ctx context.Context, planetID string, outcome domain.AttemptOutcome, errDetail string, now time.Time) error {
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(attemptColumns(), []string{attemptTable}, []string{
			"planet_id=" + params.Param(planetID),
		}) + " ORDER BY start_time DESC LIMIT 1 FOR UPDATE"
		a, err := scanAttempt(tx.QueryRow(query, params...))
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.EndTime != nil {
			return domain.ErrWrongState
		}

		uparams := queryParams{}
		fields := fieldList{}
		fields.Add(&uparams, "end_time", now)
		fields.Add(&uparams, "outcome", string(outcome))
		fields.Add(&uparams, "error_detail", errDetail)
		uquery := buildUpdate(attemptTable, fields.UpdateChanges(), []string{
			"id=" + uparams.Param(a.ID),
		})
		_, err = tx.Exec(uquery, uparams...)
		return err
	})
	return err
}

func (s *Store) ListAttempts(ctx context.Context, planetID string, limit int) ([]*domain.TaskAttempt, error) {
	var out []*domain.TaskAttempt
	params := queryParams{}
	query := buildSelect(attemptColumns(), []string{attemptTable}, []string{
		"planet_id=" + params.Param(planetID),
	})
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT " + params.Param(limit)
	}
	err := queryAndScan(s, query, params, func(rows *sql.Rows) error {
		a, err := scanAttempt(rows)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
