// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/store/postgres"
)

// newTestStore connects to the database named by DISPATCH_TEST_POSTGRES_DSN
// and drops/recreates its schema for test isolation, the way the
// teacher's coordinatetest package expects a throwaway database per
// run. Skips the test if the variable is unset, since these are
// integration tests against a real server rather than something a
// unit test run can fake.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_POSTGRES_DSN not set, skipping postgres integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.Drop(db))
	require.NoError(t, db.Close())
	store, err := postgres.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresCreateAndGetPlanet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	created, err := store.CreatePlanet(ctx, "pg-p1", now)
	require.NoError(t, err)
	require.Equal(t, domain.PlanetQueued, created.Status)

	_, err = store.CreatePlanet(ctx, "pg-p1", now)
	require.ErrorIs(t, err, domain.ErrDuplicate)

	fetched, err := store.GetPlanetByID(ctx, "pg-p1")
	require.NoError(t, err)
	require.Equal(t, "pg-p1", fetched.PlanetID)
	require.WithinDuration(t, now, fetched.NextRunTime, time.Millisecond)
}

func TestPostgresWorkerTxRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.UpsertWorkerOnConnect(ctx, "pg-w1", "10.0.0.5", now)
	require.NoError(t, err)

	err = store.WithWorkerTx(ctx, "pg-w1", func(w *domain.Worker) error {
		w.State = domain.WorkerBusy
		w.CurrentJob = "pg-p1"
		return nil
	})
	require.NoError(t, err)

	w, err := store.GetWorker(ctx, "pg-w1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerBusy, w.State)
	require.Equal(t, "pg-p1", w.CurrentJob)
}

func TestPostgresAttemptRetryReuse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.CreatePlanet(ctx, "pg-p2", now)
	require.NoError(t, err)

	first, err := store.OpenOrReopenAttempt(ctx, "pg-p2", "pg-w1", 0, now)
	require.NoError(t, err)
	require.NoError(t, store.CloseAttempt(ctx, "pg-p2", domain.AttemptFailed, "[retry 1/5] boom", now))

	reopened, err := store.OpenOrReopenAttempt(ctx, "pg-p2", "pg-w2", 1, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, first.ID, reopened.ID, "retryCount > 0 should reopen the Failed attempt row, even onto a new worker")
	require.Equal(t, domain.AttemptStarted, reopened.Outcome)
	require.Nil(t, reopened.EndTime)

	require.NoError(t, store.CloseAttempt(ctx, "pg-p2", domain.AttemptCompleted, "", now.Add(2*time.Second)))

	fresh, err := store.OpenOrReopenAttempt(ctx, "pg-p2", "pg-w2", 0, now.Add(3*time.Second))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, fresh.ID, "retryCount == 0 after a completion should open a new attempt row")
}
