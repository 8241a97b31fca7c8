// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/staging"
)

// Handler is the management API: submit/inspect/cancel requests, plus
// prometheus metrics. All endpoints except /metrics require the
// management token.
type Handler struct {
	orch   *Orchestrator
	token  string
	logger logrus.FieldLogger
	mux    *httprouter.Router
}

// NewHandler returns the management API handler. reg may be nil to
// omit the /metrics endpoint.
func NewHandler(orch *Orchestrator, reg *prometheus.Registry, token string, logger logrus.FieldLogger) *Handler {
	h := &Handler{
		orch:   orch,
		token:  token,
		logger: logger,
		mux:    httprouter.New(),
	}
	h.mux.HandlerFunc("GET", "/renderd/v1/requests", h.auth(h.apiList))
	h.mux.HandlerFunc("POST", "/renderd/v1/requests", h.auth(h.apiSubmit))
	h.mux.HandlerFunc("GET", "/renderd/v1/requests/:id", h.auth(h.apiGet))
	h.mux.HandlerFunc("POST", "/renderd/v1/requests/:id/cancel", h.auth(h.apiCancel))
	if reg != nil {
		h.mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			httpError(w, http.StatusUnauthorized, "management API disabled: no ManagementToken configured")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+h.token {
			httpError(w, http.StatusUnauthorized, "invalid management token")
			return
		}
		next(w, r)
	}
}

type submitParams struct {
	RequestID         string           `json:"request_id"`
	Assets            staging.AssetSet `json:"assets"`
	EstimatedSeconds  float64          `json:"estimated_duration_seconds"`
	Deadline          time.Time        `json:"deadline"`
	PreferPreemptible bool             `json:"prefer_preemptible"`
}

func (h *Handler) apiSubmit(w http.ResponseWriter, r *http.Request) {
	var params submitParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		httpError(w, http.StatusBadRequest, "parsing request body: "+err.Error())
		return
	}
	handle, err := h.orch.Submit(RenderRequest{
		RequestID:         params.RequestID,
		Assets:            params.Assets,
		EstimatedDuration: time.Duration(params.EstimatedSeconds * float64(time.Second)),
		Deadline:          params.Deadline,
		PreferPreemptible: params.PreferPreemptible,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(handle.Status())
}

func (h *Handler) apiList(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": h.orch.Statuses(),
	})
}

func (h *Handler) apiGet(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	handle, err := h.orch.Get(id)
	if errors.Is(err, ErrRequestNotFound) {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	resp := struct {
		RequestStatus
		Result *Result `json:"result,omitempty"`
	}{RequestStatus: handle.Status(), Result: handle.Result()}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) apiCancel(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	if err := h.orch.Cancel(id); errors.Is(err, ErrRequestNotFound) {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.WithField("RequestID", id).Info("cancel requested via management API")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"request_id": id, "status": "cancelling"})
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []string{msg},
	})
}
