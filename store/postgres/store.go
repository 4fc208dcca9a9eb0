// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package postgres is the Durable Store (DS) backend for production
// deployments: a PostgreSQL-backed implementation of domain.Store
// using database/sql and github.com/lib/pq.
package postgres

import (
	"database/sql"
	"strings"

	"github.com/benbjohnson/clock"
)

// Store is a PostgreSQL-backed domain.Store. The zero value is not
// usable; construct with New or NewWithClock.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// New opens a PostgreSQL-backed Store using the given connection
// string, applying any outstanding migrations before returning. The
// connection string may be an expanded PostgreSQL string, a
// "postgres:" URL, or a URL without a scheme; see
// http://godoc.org/github.com/lib/pq for details.
func New(connectionString string) (*Store, error) {
	return NewWithClock(connectionString, clock.New())
}

// NewWithClock is New with an explicit time source, for tests that
// need deterministic timestamps.
func NewWithClock(connectionString string, clk clock.Clock) (*Store, error) {
	if len(connectionString) >= 2 && connectionString[0] == '/' && connectionString[1] == '/' {
		connectionString = "postgres:" + connectionString
	}

	// REPEATABLE READ is forced on every connection: this package's
	// optimistic mutation pattern (SELECT ... FOR UPDATE inside
	// withTx) needs it.
	if strings.Contains(connectionString, "://") {
		if strings.Contains(connectionString, "?") {
			connectionString += "&"
		} else {
			connectionString += "?"
		}
		connectionString += "default_transaction_isolation=repeatable%20read"
	} else {
		if len(connectionString) > 0 {
			connectionString += " "
		}
		connectionString += "default_transaction_isolation='repeatable read'"
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err := Upgrade(db); err != nil {
		return nil, err
	}

	return &Store{db: db, clock: clk}, nil
}

// Coordinate lets Store satisfy coordinable, so the package's
// internal helpers (withTx, queryAndScan, ...) can reach the
// connection pool from any receiver that embeds or references a
// *Store.
func (s *Store) Coordinate() *Store {
	return s
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
