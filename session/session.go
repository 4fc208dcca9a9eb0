// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/orrery/dispatch/domain"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// Session is one worker's live connection. A session owns exactly one
// goroutine pair (readPump/writePump); all sends go through the
// outbound channel so a single goroutine ever touches the underlying
// websocket.Conn for writing, per gorilla/websocket's concurrency
// contract.
type Session struct {
	WorkerID string

	// Nonce identifies this particular connection's lifetime,
	// distinct from WorkerID (which is reused across reconnects). It
	// has no scheduling meaning and is not stored in the Durable
	// Store; it is attached to the session's log lines so they can
	// tell two connections from the same worker apart when a flapping
	// link causes rapid reconnects.
	Nonce string

	conn   *websocket.Conn
	log    *logrus.Entry
	events chan<- Event

	outbound chan []byte
	done     chan struct{}
	closeOnce sync.Once
}

func newSession(workerID string, conn *websocket.Conn, events chan<- Event, log *logrus.Entry) *Session {
	nonce := uuid.NewV4().String()
	return &Session{
		WorkerID: workerID,
		Nonce:    nonce,
		conn:     conn,
		log:      log.WithField("worker_id", workerID).WithField("session_nonce", nonce),
		events:   events,
		outbound: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// run starts the read/write pumps and blocks until the connection
// closes. Call it from its own goroutine.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.close("read loop exited")

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Info("session closed")
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.WithError(err).Warn("malformed frame, ignoring")
		return
	}

	switch env.Type {
	case TypeHeartbeat:
		var m InboundHeartbeat
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.WithError(err).Warn("malformed heartbeat frame")
			return
		}
		s.send(OutboundPong{Type: TypePong})
		s.emit(Event{Kind: WorkerReady, WorkerID: s.WorkerID, Telemetry: telemetryFrom(m)})

	case TypeStatusUpdate:
		var m InboundStatusUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.WithError(err).Warn("malformed status_update frame")
			return
		}
		if m.Status == "idle" {
			s.emit(Event{Kind: WorkerReady, WorkerID: s.WorkerID})
		}

	case TypeJobDone:
		var m InboundJobDone
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.WithError(err).Warn("malformed job_done frame")
			return
		}
		s.emit(Event{
			Kind:        JobCompleted,
			WorkerID:    s.WorkerID,
			PlanetID:    m.PlanetID,
			Result:      m.Result,
			NextTime:    m.NextTime,
			Season:      m.Season,
			Round:       m.Round,
			RoundNumber: m.RoundNumber,
		})

	case TypeError:
		var m InboundError
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.WithError(err).Warn("malformed error frame")
			return
		}
		s.emit(Event{Kind: JobFailed, WorkerID: s.WorkerID, PlanetID: m.PlanetID, ErrMessage: m.Error})

	case TypeDisconnect:
		var m InboundDisconnectNotice
		_ = json.Unmarshal(raw, &m)
		s.log.WithField("reason", m.Reason).Info("worker sent graceful disconnect")
		s.close(m.Reason)

	default:
		s.log.WithField("type", env.Type).Warn("unknown frame type, ignoring")
	}
}

func telemetryFrom(m InboundHeartbeat) *domain.Telemetry {
	if m.IdleCPU == nil && m.IdleRAM == nil && m.PeakCPU == nil && m.PeakRAM == nil && m.Disk == nil {
		return nil
	}
	t := &domain.Telemetry{}
	if m.IdleCPU != nil {
		t.IdleCPU = *m.IdleCPU
	}
	if m.IdleRAM != nil {
		t.IdleRAM = *m.IdleRAM
	}
	if m.PeakCPU != nil {
		t.PeakCPU = *m.PeakCPU
	}
	if m.PeakRAM != nil {
		t.PeakRAM = *m.PeakRAM
	}
	if m.Disk != nil {
		t.Disk = *m.Disk
	}
	return t
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("event channel full, dropping event; dispatcher will catch up on next sweep")
	}
}

// send enqueues an outbound frame. It never blocks the caller; a full
// outbound buffer means the session is unhealthy and will be reaped
// by the liveness sweep soon regardless.
func (s *Session) send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal outbound frame")
		return
	}
	select {
	case s.outbound <- raw:
	default:
		s.log.Warn("outbound buffer full, dropping frame")
	}
}

func (s *Session) writePump() {
	for {
		select {
		case raw, ok := <-s.outbound:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.log.WithError(err).Warn("write failed")
				s.close("write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.emit(Event{Kind: WorkerLost, WorkerID: s.WorkerID, LossReason: reason})
	})
}
