package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/services/stateful"
	"github.com/R3E-Network/dws/internal/app/services/workers"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
)

type scaleStatefulRequest struct {
	Replicas int `json:"replicas"`
}

type deployWorkerRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency,omitempty"`
	Region      string `json:"region,omitempty"`
	Port        int    `json:"port,omitempty"`
}

type scaleWorkerRequest struct {
	Concurrency int `json:"concurrency"`
}

func (h *handler) deployStateful(w http.ResponseWriter, r *http.Request) {
	var cfg stateful.Config
	if err := httputil.DecodeJSON(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := h.app.Stateful.Deploy(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, svc)
}

func (h *handler) listStateful(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Stateful.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) getStateful(w http.ResponseWriter, r *http.Request) {
	svc, err := h.app.Stateful.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, svc)
}

func (h *handler) scaleStateful(w http.ResponseWriter, r *http.Request) {
	var req scaleStatefulRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := h.app.Stateful.Scale(r.Context(), mux.Vars(r)["id"], req.Replicas)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, svc)
}

func (h *handler) terminateStateful(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Stateful.Terminate(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) workerCatalogue(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.app.Workers.Catalogue())
}

func (h *handler) deployWorker(w http.ResponseWriter, r *http.Request) {
	var req deployWorkerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Type == "" {
		writeError(w, r, apperrors.Validation("worker type is required"))
		return
	}
	svc, err := h.app.Workers.Deploy(r.Context(), worker.Type(workerType(req.Type)), workers.Config{
		Name:        req.Name,
		Concurrency: req.Concurrency,
		Region:      req.Region,
		Port:        req.Port,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, svc)
}

func (h *handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Workers.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		typ := worker.Type(workerType(raw))
		filtered := list[:0]
		for _, svc := range list {
			if svc.Type == typ {
				filtered = append(filtered, svc)
			}
		}
		list = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) getWorker(w http.ResponseWriter, r *http.Request) {
	svc, err := h.app.Workers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, svc)
}

func (h *handler) scaleWorker(w http.ResponseWriter, r *http.Request) {
	var req scaleWorkerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := h.app.Workers.Scale(r.Context(), mux.Vars(r)["id"], req.Concurrency)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, svc)
}

func (h *handler) terminateWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Workers.Terminate(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
