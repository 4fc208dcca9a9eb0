// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package memory is an in-process implementation of domain.Store,
// suitable for tests and single-process deployments. It mirrors the
// teacher's own memory backend: plain maps guarded by a single mutex,
// no external dependency.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orrery/dispatch/domain"
)

// Store is an in-memory domain.Store. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.Mutex

	workers  map[string]*domain.Worker
	planets  map[string]*domain.Planet
	attempts map[string][]*domain.TaskAttempt // keyed by PlanetID, append-only
	nextID   int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		workers:  make(map[string]*domain.Worker),
		planets:  make(map[string]*domain.Planet),
		attempts: make(map[string][]*domain.TaskAttempt),
	}
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	cp := *w
	return &cp
}

func clonePlanet(p *domain.Planet) *domain.Planet {
	cp := *p
	return &cp
}

func cloneAttempt(a *domain.TaskAttempt) *domain.TaskAttempt {
	cp := *a
	return &cp
}

func (s *Store) CreateWorker(ctx context.Context, workerID, address string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[workerID]; ok {
		return nil, domain.ErrDuplicate
	}
	w := &domain.Worker{
		WorkerID: workerID,
		Address:  address,
		State:    domain.WorkerOffline,
	}
	s.workers[workerID] = w
	return cloneWorker(w), nil
}

func (s *Store) UpsertWorkerOnConnect(ctx context.Context, workerID, address string, now time.Time) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		w = &domain.Worker{WorkerID: workerID}
		s.workers[workerID] = w
	}
	w.Address = address
	w.State = domain.WorkerIdle
	nowCopy := now
	w.ConnectedAt = &nowCopy
	w.DisconnectedAt = nil
	w.LastHeartbeat = &nowCopy
	return cloneWorker(w), nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneWorker(w), nil
}

func (s *Store) ListIdleWorkers(ctx context.Context, limit int) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []*domain.Worker
	for _, w := range s.workers {
		if w.State == domain.WorkerIdle {
			idle = append(idle, cloneWorker(w))
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Completed != idle[j].Completed {
			return idle[i].Completed < idle[j].Completed
		}
		return idle[i].WorkerID < idle[j].WorkerID
	})
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	return idle, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) WithWorkerTx(ctx context.Context, workerID string, fn func(*domain.Worker) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return domain.ErrNotFound
	}
	working := cloneWorker(w)
	if err := fn(working); err != nil {
		return err
	}
	s.workers[workerID] = working
	return nil
}

func (s *Store) CreatePlanet(ctx context.Context, planetID string, nextRunTime time.Time) (*domain.Planet, error) {
	if !domain.ValidPlanetID(planetID) {
		return nil, domain.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planets[planetID]; ok {
		return nil, domain.ErrDuplicate
	}
	p := &domain.Planet{
		PlanetID:    planetID,
		NextRunTime: nextRunTime,
		Status:      domain.PlanetQueued,
	}
	s.planets[planetID] = p
	return clonePlanet(p), nil
}

func (s *Store) GetPlanetByID(ctx context.Context, planetID string) (*domain.Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePlanet(p), nil
}

func (s *Store) FilterPlanetsByStatus(ctx context.Context, status domain.PlanetStatus, dueBefore time.Time, limit int) ([]*domain.Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Planet
	for _, p := range s.planets {
		if p.Status != status {
			continue
		}
		if !dueBefore.IsZero() && p.NextRunTime.After(dueBefore) {
			continue
		}
		out = append(out, clonePlanet(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunTime.Before(out[j].NextRunTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeletePlanet(ctx context.Context, planetID string, before func(*domain.Planet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return domain.ErrNotFound
	}
	if before != nil {
		if err := before(p); err != nil {
			return err
		}
	}
	delete(s.planets, planetID)
	delete(s.attempts, planetID)
	return nil
}

func (s *Store) WithPlanetTx(ctx context.Context, planetID string, fn func(*domain.Planet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return domain.ErrNotFound
	}
	working := clonePlanet(p)
	if err := fn(working); err != nil {
		return err
	}
	s.planets[planetID] = working
	return nil
}

// OpenOrReopenAttempt implements the retry-reuse rule: when
// retryCount > 0 and the most recent attempt for this planet ended
// Failed, that row is reopened in place rather than appending a new
// one. Otherwise (fresh assignment, or the last attempt completed) a
// new row is appended.
func (s *Store) OpenOrReopenAttempt(ctx context.Context, planetID, workerID string, retryCount int, now time.Time) (*domain.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.attempts[planetID]
	if retryCount > 0 {
		if n := len(history); n > 0 {
			last := history[n-1]
			if last.Outcome == domain.AttemptFailed {
				last.WorkerID = workerID
				last.StartTime = now
				last.EndTime = nil
				last.Outcome = domain.AttemptStarted
				last.ErrorDetail = ""
				return cloneAttempt(last), nil
			}
		}
	}
	s.nextID++
	a := &domain.TaskAttempt{
		ID:        s.nextID,
		PlanetID:  planetID,
		WorkerID:  workerID,
		StartTime: now,
		Outcome:   domain.AttemptStarted,
	}
	s.attempts[planetID] = append(history, a)
	return cloneAttempt(a), nil
}

func (s *Store) CloseAttempt(ctx context.Context, planetID string, outcome domain.AttemptOutcome, errDetail string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.attempts[planetID]
	if len(history) == 0 {
		return domain.ErrNotFound
	}
	last := history[len(history)-1]
	if last.EndTime != nil {
		return domain.ErrWrongState
	}
	nowCopy := now
	last.EndTime = &nowCopy
	last.Outcome = outcome
	last.ErrorDetail = errDetail
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, planetID string, limit int) ([]*domain.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.attempts[planetID]
	out := make([]*domain.TaskAttempt, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, cloneAttempt(history[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
