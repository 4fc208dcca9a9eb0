// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package session_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/orrery/dispatch/session"
)

func newTestServer(t *testing.T, reg *session.Registry) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(session.NewRouter(reg))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/session/w1"
	return srv, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func drainReadyEvent(t *testing.T, reg *session.Registry) session.Event {
	t.Helper()
	select {
	case e := <-reg.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return session.Event{}
	}
}

func TestRegistryOpenEmitsWorkerReady(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	dial(t, url)

	e := drainReadyEvent(t, reg)
	require.Equal(t, session.WorkerReady, e.Kind)
	require.Equal(t, "w1", e.WorkerID)

	require.Eventually(t, func() bool { return reg.Active("w1") }, time.Second, 10*time.Millisecond)
}

func TestHeartbeatGetsPongAndReportsTelemetry(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	conn := dial(t, url)
	drainReadyEvent(t, reg) // the Open-time WorkerReady

	idleCPU := 0.5
	require.NoError(t, conn.WriteJSON(session.InboundHeartbeat{Type: session.TypeHeartbeat, IdleCPU: &idleCPU}))

	var pong session.OutboundPong
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, session.TypePong, pong.Type)

	e := drainReadyEvent(t, reg)
	require.Equal(t, session.WorkerReady, e.Kind)
	require.NotNil(t, e.Telemetry)
	require.Equal(t, idleCPU, e.Telemetry.IdleCPU)
}

func TestJobDoneEmitsJobCompleted(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	conn := dial(t, url)
	drainReadyEvent(t, reg)

	require.NoError(t, conn.WriteJSON(session.InboundJobDone{Type: session.TypeJobDone, PlanetID: "p1"}))

	e := drainReadyEvent(t, reg)
	require.Equal(t, session.JobCompleted, e.Kind)
	require.Equal(t, "p1", e.PlanetID)
}

func TestErrorFrameEmitsJobFailedWithReason(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	conn := dial(t, url)
	drainReadyEvent(t, reg)

	require.NoError(t, conn.WriteJSON(session.InboundError{Type: session.TypeError, PlanetID: "p1", Error: "boom"}))

	e := drainReadyEvent(t, reg)
	require.Equal(t, session.JobFailed, e.Kind)
	require.Equal(t, "p1", e.PlanetID)
	require.Equal(t, "boom", e.ErrMessage)
}

func TestAssignJobRoundTrip(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	conn := dial(t, url)
	drainReadyEvent(t, reg)

	require.NoError(t, reg.AssignJob("w1", "p1", 3, 1))

	var msg session.OutboundAssignJob
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "p1", msg.PlanetID)
	require.Equal(t, 3, msg.Season)
	require.Equal(t, 1, msg.Round)
}

func TestAssignJobFailsWithNoSession(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	require.Error(t, reg.AssignJob("ghost", "p1", 1, 1))
}

func TestReconnectSupersedesOldSession(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	reg := session.NewRegistry(8, log)
	_, url := newTestServer(t, reg)

	first := dial(t, url)
	drainReadyEvent(t, reg)

	second := dial(t, url)
	_ = second

	// Open closes the old session, which emits WorkerLost, and then
	// emits WorkerReady for the new connection. Drain both and check
	// both kinds showed up, without depending on their order.
	kinds := map[session.EventKind]bool{}
	for i := 0; i < 2; i++ {
		e := drainReadyEvent(t, reg)
		kinds[e.Kind] = true
	}
	require.True(t, kinds[session.WorkerReady])
	require.True(t, kinds[session.WorkerLost])

	_, _, err := first.ReadMessage()
	require.Error(t, err)
}
