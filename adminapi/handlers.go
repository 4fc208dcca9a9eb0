// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/orrery/dispatch/domain"
)

// createPlanetRequest is validated with go-playground/validator
// before it ever reaches the Durable Store.
type createPlanetRequest struct {
	PlanetID string `json:"planet_id" validate:"required,max=100"`
}

func (api *API) createPlanet(w http.ResponseWriter, r *http.Request) {
	var req createPlanetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := api.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !domain.ValidPlanetID(req.PlanetID) {
		writeError(w, http.StatusBadRequest, "planet_id must match [A-Za-z0-9_-]{1,100}")
		return
	}

	planet, err := api.Store.CreatePlanet(r.Context(), req.PlanetID, time.Now())
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		writeError(w, http.StatusConflict, "planet already exists")
	case errors.Is(err, domain.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid planet_id")
	case err != nil:
		api.Log.WithError(err).Error("createPlanet: durable store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		api.Index.Upsert(r.Context(), planet.PlanetID, planet.NextRunTime)
		writeJSON(w, http.StatusCreated, planet)
	}
}

func (api *API) deletePlanet(w http.ResponseWriter, r *http.Request) {
	planetID := mux.Vars(r)["planet_id"]

	err := api.Store.DeletePlanet(r.Context(), planetID, func(p *domain.Planet) error {
		api.Index.Remove(r.Context(), p.PlanetID)
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "planet not found")
	case err != nil:
		api.Log.WithError(err).Error("deletePlanet: durable store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type forceAssignRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// forceAssign bypasses L1's tick cadence and due-time check to assign
// a specific planet to a specific worker immediately.
func (api *API) forceAssign(w http.ResponseWriter, r *http.Request) {
	planetID := mux.Vars(r)["planet_id"]

	var req forceAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := api.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	err := api.Dispatcher.ForceAssign(r.Context(), planetID, req.WorkerID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "planet or worker not found")
	case errors.Is(err, domain.ErrWrongState):
		writeError(w, http.StatusConflict, "planet is not queued, or worker is not idle")
	case err != nil:
		api.Log.WithError(err).Error("forceAssign: failed")
		writeError(w, http.StatusBadRequest, "could not assign: "+err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type commandRequest struct {
	Action string         `json:"action" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

func (api *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := api.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if err := api.Dispatcher.Dispatch(r.Context(), workerID, req.Action, req.Params); err != nil {
		writeError(w, http.StatusNotFound, "no active session for worker")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// listWorkers is a read-only projection of the Durable Store (spec
// §6). It does not degrade to an empty list: if the Durable Store is
// unreachable it answers 500, since unlike the Scheduling Index the
// Durable Store is not allowed to fail soft.
func (api *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := api.Store.ListWorkers(r.Context())
	if err != nil {
		api.Log.WithError(err).Error("listWorkers: durable store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type queueStatsResponse struct {
	Size        int        `json:"size"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	Degraded    bool        `json:"degraded"`
}

// queueStats is a read-only projection of the Scheduling Index (spec
// §6). Per §7, "monitoring endpoints ... degrade gracefully": an
// unreachable index yields Degraded: true and zero values, never an
// error status.
func (api *API) queueStats(w http.ResponseWriter, r *http.Request) {
	size, ok := api.Index.Size(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, queueStatsResponse{Degraded: true})
		return
	}
	resp := queueStatsResponse{Size: size}
	if next, ok := api.Index.PeekNextTime(r.Context()); ok {
		resp.NextRunTime = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
