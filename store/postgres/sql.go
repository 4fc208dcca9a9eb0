// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

// This file contains generic PostgreSQL support code shared by
// worker.go, planet.go, and attempt.go: withTx() to run work in a
// transaction that retries on serialization failure, scanRows() to
// loop over a multi-row SELECT, and small helpers to build SELECT and
// UPDATE statements and their parameter lists without a query builder
// dependency the rest of the pack doesn't carry.

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// coordinable describes structures that can reach back to the root
// database handle.
type coordinable interface {
	Coordinate() *Store
}

// withTx calls f with a database/sql transaction. If f panics or
// returns a non-nil error, the transaction is rolled back; otherwise
// it is committed. A serialization failure (SQLSTATE 40001) is
// retried transparently, since every row lock in this package runs
// under REPEATABLE READ.
func withTx(c coordinable, readOnly bool, f func(*sql.Tx) error) (err error) {
	var (
		tx   *sql.Tx
		done bool
	)

	defer func() {
		if tx != nil && !done {
			err2 := tx.Rollback()
			if err == nil {
				err = err2
			}
		}
	}()

	for {
		tx, err = c.Coordinate().db.Begin()
		if err != nil {
			return
		}

		level := "REPEATABLE READ"
		if readOnly {
			level += " READ ONLY"
		}
		_, err = tx.Exec("SET TRANSACTION ISOLATION LEVEL " + level)
		if err != nil {
			return
		}

		err = f(tx)

		if err == nil {
			err = tx.Commit()
			done = true
		}

		if pqerr, ok := err.(*pq.Error); ok {
			if pqerr.Code == "40001" {
				err = tx.Rollback()
				if err == sql.ErrTxDone {
					err = nil
				} else if err != nil {
					return
				}
				tx = nil
				done = false
				continue
			}
		}

		break
	}

	return
}

// scanRows loops over the rows of an SQL query, calling f for each
// one. f should only call Scan() on the provided Rows.
func scanRows(rows *sql.Rows, f func() error) (err error) {
	var done bool
	defer func() {
		if !done {
			err2 := rows.Close()
			if err == nil {
				err = err2
			}
		}
	}()

	for rows.Next() {
		err = f()
		if err != nil {
			return
		}
	}
	done = true
	err = rows.Err()
	return
}

// queryAndScan runs a read-only transaction around query, calling f
// for each returned row.
func queryAndScan(c coordinable, query string, params queryParams, f func(*sql.Rows) error) error {
	return withTx(c, true, func(tx *sql.Tx) error {
		rows, err := tx.Query(query, params...)
		if err != nil {
			return err
		}
		return scanRows(rows, func() error {
			return f(rows)
		})
	})
}

// execInTx runs a read-write transaction around a single statement,
// discarding its result.
func execInTx(c coordinable, query string, params queryParams) error {
	return withTx(c, false, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, params...)
		return err
	})
}

// timeToNullTime encodes a time as a pq-specific NullTime, mapping the
// zero time to null.
func timeToNullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}

// nullTimeToTime decodes a pq-specific NullTime, mapping a null value
// to the zero time.
func nullTimeToTime(nt pq.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// nullTimeToPtr decodes a pq-specific NullTime to a *time.Time,
// mapping a null value to nil -- used for fields like LastHeartbeat
// that are genuinely optional rather than zero-valued.
func nullTimeToPtr(nt pq.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ptrToNullTime is the inverse of nullTimeToPtr.
func ptrToNullTime(t *time.Time) pq.NullTime {
	if t == nil {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: *t, Valid: true}
}

// buildSelect constructs a simple SQL SELECT statement by string
// concatenation. All conditions are ANDed together.
func buildSelect(outputs, tables, conditions []string) string {
	query := "SELECT "
	query += strings.Join(outputs, ", ")
	query += " FROM "
	query += strings.Join(tables, ", ")
	if len(conditions) > 0 {
		query += " WHERE "
		query += strings.Join(conditions, " AND ")
	}
	return query
}

// buildUpdate constructs a simple SQL UPDATE statement by string
// concatenation. All conditions are ANDed together.
func buildUpdate(table string, changes, conditions []string) string {
	query := "UPDATE " + table
	if len(changes) > 0 {
		query += " SET " + strings.Join(changes, ", ")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	return query
}

// queryParams wraps an ordered list of query parameters.
type queryParams []interface{}

// Param adds a parameter to the list, returning its position as $1,
// $2, ...
func (qp *queryParams) Param(param interface{}) string {
	*qp = append(*qp, param)
	return fmt.Sprintf("$%v", len(*qp))
}

type fieldPair struct {
	Field string
	Value string
}

func (fp fieldPair) AsEquals() string {
	return fp.Field + "=" + fp.Value
}

// fieldList is a list of "field=value" pairs as they appear in SQL
// INSERT and UPDATE statements.
type fieldList struct {
	Fields []fieldPair
}

func (f *fieldList) Add(qp *queryParams, field string, value interface{}) {
	f.AddDirect(field, qp.Param(value))
}

func (f *fieldList) AddDirect(field, value string) {
	f.Fields = append(f.Fields, fieldPair{Field: field, Value: value})
}

func (f fieldList) MapFields(mf func(fp fieldPair) string) []string {
	result := make([]string, len(f.Fields))
	for i, field := range f.Fields {
		result[i] = mf(field)
	}
	return result
}

func (f fieldList) FieldNames() []string {
	return f.MapFields(func(fp fieldPair) string { return fp.Field })
}

func (f fieldList) FieldValues() []string {
	return f.MapFields(func(fp fieldPair) string { return fp.Value })
}

func (f fieldList) InsertNames() string {
	return strings.Join(f.FieldNames(), ", ")
}

func (f fieldList) InsertValues() string {
	return strings.Join(f.FieldValues(), ", ")
}

func (f fieldList) InsertStatement(table string) string {
	return "INSERT INTO " + table + "(" + f.InsertNames() + ") VALUES(" + f.InsertValues() + ")"
}

func (f fieldList) UpdateChanges() []string {
	return f.MapFields(func(fp fieldPair) string { return fp.AsEquals() })
}
