// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package adminapi is the administrative/admission HTTP surface
// consumed by operators and tooling outside the core dispatch loop:
// create/delete/force-assign a planet, list workers, and read queue
// stats. The middleware chain adds github.com/urfave/negroni for
// request logging and panic recovery in front of the mux router.
package adminapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/orrery/dispatch/dispatcher"
	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/index"
)

// API holds the persistent state of the admin HTTP surface.
type API struct {
	Store      domain.Store
	Index      index.Index
	Dispatcher *dispatcher.Dispatcher
	Log        *logrus.Entry

	validate *validator.Validate
}

// NewRouter builds the full HTTP handler for the admin surface,
// wrapped in a negroni middleware chain (request logging + panic
// recovery).
func NewRouter(api *API) http.Handler {
	if api.Log == nil {
		api.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	api.validate = validator.New()

	r := mux.NewRouter()
	api.PopulateRouter(r)

	n := negroni.New(negroni.NewRecovery(), negroni.NewLogger())
	n.UseHandler(r)
	return n
}

// PopulateRouter adds the admin routes to an existing mux.Router, so
// callers can mount this alongside the session package's
// /session/{worker_id} route under one server. Safe to call without
// going through NewRouter first: validate is lazily initialized.
func (api *API) PopulateRouter(r *mux.Router) {
	if api.validate == nil {
		api.validate = validator.New()
	}
	if api.Log == nil {
		api.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	r.HandleFunc("/v1/planets", api.createPlanet).Methods(http.MethodPost)
	r.HandleFunc("/v1/planets/{planet_id}", api.deletePlanet).Methods(http.MethodDelete)
	r.HandleFunc("/v1/planets/{planet_id}/force-assign", api.forceAssign).Methods(http.MethodPost)
	r.HandleFunc("/v1/workers", api.listWorkers).Methods(http.MethodGet)
	r.HandleFunc("/v1/workers/{worker_id}/command", api.sendCommand).Methods(http.MethodPost)
	r.HandleFunc("/v1/queue", api.queueStats).Methods(http.MethodGet)
}
