// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldListInsertStatement(t *testing.T) {
	params := queryParams{}
	fields := fieldList{}
	fields.Add(&params, "planet_id", "p1")
	fields.AddDirect("status", "'queued'")

	assert.Equal(t, "INSERT INTO planet(planet_id, status) VALUES($1, 'queued')", fields.InsertStatement("planet"))
	assert.Equal(t, queryParams{"p1"}, params)
}

func TestFieldListUpdateChanges(t *testing.T) {
	params := queryParams{}
	fields := fieldList{}
	fields.Add(&params, "retry_count", 3)
	fields.Add(&params, "status", "queued")

	assert.Equal(t, []string{"retry_count=$1", "status=$2"}, fields.UpdateChanges())
}

func TestBuildSelectWithConditions(t *testing.T) {
	params := queryParams{}
	query := buildSelect(
		[]string{"worker.worker_id", "worker.state"},
		[]string{"worker"},
		[]string{"worker.state=" + params.Param("idle")},
	)
	assert.Equal(t, "SELECT worker.worker_id, worker.state FROM worker WHERE worker.state=$1", query)
}

func TestBuildSelectWithoutConditions(t *testing.T) {
	query := buildSelect([]string{"worker.worker_id"}, []string{"worker"}, nil)
	assert.Equal(t, "SELECT worker.worker_id FROM worker", query)
}

func TestBuildUpdate(t *testing.T) {
	query := buildUpdate("planet", []string{"status=$1"}, []string{"planet_id=$2"})
	assert.Equal(t, "UPDATE planet SET status=$1 WHERE planet_id=$2", query)
}

func TestQueryParamsOrdering(t *testing.T) {
	params := queryParams{}
	first := params.Param("a")
	second := params.Param("b")
	assert.Equal(t, "$1", first)
	assert.Equal(t, "$2", second)
	assert.Equal(t, queryParams{"a", "b"}, params)
}

func TestUnqualify(t *testing.T) {
	assert.Equal(t, "worker_id", unqualify("worker.worker_id"))
	assert.Equal(t, "status", unqualify("status"))
}
