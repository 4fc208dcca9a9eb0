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

func planetColumns() []string {
	return []string{
		planetID, planetNextRunTime, planetStatus,
		planetSeason, planetRound, planetRoundNumber,
		planetLastProcessed, planetProcessingWorker, planetRetryCount,
	}
}

func scanPlanet(row interface{ Scan(...interface{}) error }) (*domain.Planet, error) {
	var (
		p          domain.Planet
		lastProc   pq.NullTime
	)
	err := row.Scan(
		&p.PlanetID, &p.NextRunTime, &p.Status,
		&p.Season, &p.Round, &p.RoundNumber,
		&lastProc, &p.ProcessingWorker, &p.RetryCount,
	)
	if err != nil {
		return nil, err
	}
	p.LastProcessed = nullTimeToPtr(lastProc)
	return &p, nil
}

func (s *Store) CreatePlanet(ctx context.Context, planetID string, nextRunTime time.Time) (*domain.Planet, error) {
	if !domain.ValidPlanetID(planetID) {
		return nil, domain.ErrInvalidID
	}
	var out *domain.Planet
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		fields := fieldList{}
		fields.Add(&params, "planet_id", planetID)
		fields.Add(&params, "next_run_time", nextRunTime)
		fields.AddDirect("status", "'"+string(domain.PlanetQueued)+"'")
		query := fields.InsertStatement(planetTable) + " RETURNING " + columnList(planetColumns())
		p, err := scanPlanet(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		out = p
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

func (s *Store) GetPlanetByID(ctx context.Context, planetID string) (*domain.Planet, error) {
	var out *domain.Planet
	err := withTx(s, true, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(planetColumns(), []string{planetTable}, []string{
			"planet_id=" + params.Param(planetID),
		})
		p, err := scanPlanet(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		out = p
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

// FilterPlanetsByStatus scans the status/next_run_time index
// (planet_status_next_run_idx) rather than the full table, matching
// the reconciler's and L3 sweep's use as bounded recovery scans
// rather than full-table reporting queries.
func (s *Store) FilterPlanetsByStatus(ctx context.Context, status domain.PlanetStatus, dueBefore time.Time, limit int) ([]*domain.Planet, error) {
	var out []*domain.Planet
	params := queryParams{}
	conditions := []string{"status=" + params.Param(string(status))}
	if !dueBefore.IsZero() {
		conditions = append(conditions, "next_run_time<="+params.Param(dueBefore))
	}
	query := buildSelect(planetColumns(), []string{planetTable}, conditions)
	query += " ORDER BY next_run_time ASC"
	if limit > 0 {
		query += " LIMIT " + params.Param(limit)
	}
	err := queryAndScan(s, query, params, func(rows *sql.Rows) error {
		p, err := scanPlanet(rows)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeletePlanet(ctx context.Context, planetID string, before func(*domain.Planet) error) error {
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(planetColumns(), []string{planetTable}, []string{
			"planet_id=" + params.Param(planetID),
		}) + " FOR UPDATE"
		p, err := scanPlanet(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		if before != nil {
			if err := before(p); err != nil {
				return err
			}
		}
		dparams := queryParams{}
		_, err = tx.Exec("DELETE FROM "+attemptTable+" WHERE planet_id="+dparams.Param(planetID), dparams...)
		if err != nil {
			return err
		}
		dparams2 := queryParams{}
		_, err = tx.Exec("DELETE FROM "+planetTable+" WHERE planet_id="+dparams2.Param(planetID), dparams2...)
		return err
	})
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	return err
}

// WithPlanetTx loads the planet row with FOR UPDATE, applies fn, and
// writes every mutable column back, mirroring WithWorkerTx's
// row-lock-as-mutex strategy.
func (s *Store) WithPlanetTx(ctx context.Context, planetID string, fn func(*domain.Planet) error) error {
	err := withTx(s, false, func(tx *sql.Tx) error {
		params := queryParams{}
		query := buildSelect(planetColumns(), []string{planetTable}, []string{
			"planet_id=" + params.Param(planetID),
		}) + " FOR UPDATE"
		p, err := scanPlanet(tx.QueryRow(query, params...))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}

		uparams := queryParams{}
		fields := fieldList{}
		fields.Add(&uparams, "next_run_time", p.NextRunTime)
		fields.Add(&uparams, "status", string(p.Status))
		fields.Add(&uparams, "season", p.Season)
		fields.Add(&uparams, "round", p.Round)
		fields.Add(&uparams, "round_number", p.RoundNumber)
		fields.Add(&uparams, "last_processed", ptrToNullTime(p.LastProcessed))
		fields.Add(&uparams, "processing_worker", p.ProcessingWorker)
		fields.Add(&uparams, "retry_count", p.RetryCount)
		query = buildUpdate(planetTable, fields.UpdateChanges(), []string{
			"planet_id=" + uparams.Param(planetID),
		})
		_, err = tx.Exec(query, uparams...)
		return err
	})
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	return err
}
