// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package adminapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrery/dispatch/adminapi"
	"github.com/orrery/dispatch/dispatcher"
	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/index"
	"github.com/orrery/dispatch/index/memindex"
	"github.com/orrery/dispatch/session"
	"github.com/orrery/dispatch/store/memory"
)

type stubRegistry struct{}

func (stubRegistry) Events() <-chan session.Event                            { return make(chan session.Event) }
func (stubRegistry) AssignJob(workerID, planetID string, s, r int) error     { return nil }
func (stubRegistry) Dispatch(workerID, action string, p map[string]any) error { return nil }
func (stubRegistry) Close(workerID, reason string)                          {}
func (stubRegistry) CloseAll(reason string)                                 {}
func (stubRegistry) Count() int                                              { return 0 }

func newTestAPI(t *testing.T) (*adminapi.API, *memory.Store, *memindex.Index) {
	t.Helper()
	store := memory.New()
	idx := memindex.New()
	d := dispatcher.New(store, idx, stubRegistry{}, dispatcher.Config{}, nil)
	return &adminapi.API{Store: store, Index: idx, Dispatcher: d}, store, idx
}

func TestCreatePlanetRejectsInvalidID(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := adminapi.NewRouter(api)

	body, _ := json.Marshal(map[string]string{"planet_id": "has spaces"})
	req := httptest.NewRequest(http.MethodPost, "/v1/planets", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePlanetThenDuplicateConflicts(t *testing.T) {
	api, _, idx := newTestAPI(t)
	h := adminapi.NewRouter(api)

	body, _ := json.Marshal(map[string]string{"planet_id": "p1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/planets", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	size, ok := idx.Size(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, size, "created planet should be indexed")

	req2 := httptest.NewRequest(http.MethodPost, "/v1/planets", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestDeletePlanetNotFound(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := adminapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodDelete, "/v1/planets/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsDegradesWhenIndexUnreachable(t *testing.T) {
	api, _, _ := newTestAPI(t)
	api.Index = unreachableIndex{}
	h := adminapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["degraded"])
}

func TestListWorkers(t *testing.T) {
	api, store, _ := newTestAPI(t)
	_, err := store.UpsertWorkerOnConnect(context.Background(), "w1", "10.0.0.1", time.Now())
	require.NoError(t, err)
	h := adminapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var workers []domain.Worker
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].WorkerID)
}

// unreachableIndex simulates a dead Scheduling Index backend: every
// method fails soft per the index.Index contract.
type unreachableIndex struct{}

func (unreachableIndex) Upsert(ctx context.Context, planetID string, t time.Time) bool { return false }
func (unreachableIndex) PollDue(ctx context.Context, now time.Time, limit int) ([]string, bool) {
	return []string{}, false
}
func (unreachableIndex) Remove(ctx context.Context, planetID string) bool { return false }
func (unreachableIndex) Size(ctx context.Context) (int, bool)            { return 0, false }
func (unreachableIndex) PeekNextTime(ctx context.Context) (time.Time, bool) {
	return time.Time{}, false
}
func (unreachableIndex) ListAll(ctx context.Context) ([]index.Entry, bool) { return nil, false }
func (unreachableIndex) Close() error                                     { return nil }
