// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package session

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// upgrader is shared across connections; origin checking is left
// permissive because workers are trusted internal compute nodes, not
// browsers, and authenticate at the transport layer (TLS client
// certs or a network boundary), not via Origin headers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the HTTP handler serving the worker wire protocol
// at /session/{worker_id}, the way restserver.NewRouter builds the
// Coordinate REST router.
func NewRouter(reg *Registry) http.Handler {
	r := mux.NewRouter()
	PopulateRouter(r, reg)
	return r
}

// PopulateRouter adds the session route to an existing mux.Router, so
// callers can mount it alongside an admin API under one server.
func PopulateRouter(r *mux.Router, reg *Registry) {
	r.HandleFunc("/session/{worker_id}", handleConnect(reg)).Methods(http.MethodGet)
}

func handleConnect(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		workerID := mux.Vars(req)["worker_id"]
		if workerID == "" {
			http.Error(w, "missing worker_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logrus.WithError(err).WithField("worker_id", workerID).Warn("websocket upgrade failed")
			return
		}
		reg.Open(workerID, conn)
	}
}
