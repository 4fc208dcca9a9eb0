// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package session

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Registry is the Session Registry: the authoritative map of live
// worker connections. It owns no scheduling policy -- it only routes
// outbound frames to the right connection and surfaces inbound
// frames as Events on a single shared channel the dispatcher drains.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	events chan Event
	log    *logrus.Entry
}

// NewRegistry returns an empty Registry. eventBuffer sizes the shared
// event channel; a dispatcher that falls behind sees the sessions'
// emit start dropping events with a warning rather than blocking a
// session's read pump.
func NewRegistry(eventBuffer int, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		sessions: make(map[string]*Session),
		events:   make(chan Event, eventBuffer),
		log:      log.WithField("component", "session-registry"),
	}
}

// Events returns the channel the dispatcher's L2 loop reads from.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Open registers a new connection for workerID, replacing and
// closing any prior session for the same worker (a reconnect
// supersedes the old socket rather than running two in parallel).
func (r *Registry) Open(workerID string, conn *websocket.Conn) *Session {
	s := newSession(workerID, conn, r.events, r.log)

	r.mu.Lock()
	if old, ok := r.sessions[workerID]; ok {
		r.mu.Unlock()
		old.close("superseded by new connection")
		r.mu.Lock()
	}
	r.sessions[workerID] = s
	r.mu.Unlock()

	r.log.WithField("worker_id", workerID).Info("session opened")
	s.emit(Event{Kind: WorkerReady, WorkerID: workerID})
	go func() {
		s.run()
		r.mu.Lock()
		if r.sessions[workerID] == s {
			delete(r.sessions, workerID)
		}
		r.mu.Unlock()
	}()
	return s
}

// Active reports whether workerID has a live session.
func (r *Registry) Active(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[workerID]
	return ok
}

// Count returns the number of live sessions, for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AssignJob sends an assign_job frame to workerID. Returns an error
// if no session is open for that worker -- the caller (L1/L2) must
// treat this as a dispatch failure and recover the planet rather than
// leaving it marked Processing with no one to run it.
func (r *Registry) AssignJob(workerID, planetID string, season, round int) error {
	s, ok := r.get(workerID)
	if !ok {
		return fmt.Errorf("session: no active session for worker %q", workerID)
	}
	s.send(OutboundAssignJob{Type: TypeAssignJob, PlanetID: planetID, Season: season, Round: round})
	return nil
}

// Dispatch sends an administrative command{action,params} frame to
// workerID. The core never interprets action or params.
func (r *Registry) Dispatch(workerID, action string, params map[string]any) error {
	s, ok := r.get(workerID)
	if !ok {
		return fmt.Errorf("session: no active session for worker %q", workerID)
	}
	s.send(OutboundCommand{Type: TypeCommand, Action: action, Params: params})
	return nil
}

// Close closes workerID's session, if any, emitting WorkerLost.
func (r *Registry) Close(workerID, reason string) {
	if s, ok := r.get(workerID); ok {
		s.close(reason)
	}
}

// CloseAll closes every live session, e.g. during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.close(reason)
	}
}

func (r *Registry) get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[workerID]
	return s, ok
}
