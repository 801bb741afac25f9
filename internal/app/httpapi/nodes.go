package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
)

type heartbeatRequest struct {
	Metrics *node.Metrics `json:"metrics,omitempty"`
}

type healthRequest struct {
	Healthy     bool   `json:"healthy"`
	Reason      string `json:"reason,omitempty"`
	Unreachable string `json:"unreachable,omitempty"`
}

func (h *handler) registerNode(w http.ResponseWriter, r *http.Request) {
	var desc nodes.Descriptor
	if err := httputil.DecodeJSON(r, &desc); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.app.Nodes.Register(r.Context(), desc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, n)
}

func (h *handler) listNodes(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		list, err := h.app.Nodes.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, list)
		return
	}
	includeUnhealthy, err := boolQuery(r, "all")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.app.Nodes.ListByCapability(r.Context(), capability, includeUnhealthy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.Nodes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

func (h *handler) deregisterNode(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Nodes.Deregister(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	n, err := h.app.Nodes.Heartbeat(r.Context(), mux.Vars(r)["id"], req.Metrics)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

// markNode only accepts unhealthy marks; recovery happens through heartbeats.
// A non-empty unreachable field reports a failed liveness check with its cause.
func (h *handler) markNode(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Healthy {
		writeError(w, r, apperrors.Validation("nodes recover through heartbeats only"))
		return
	}
	id := mux.Vars(r)["id"]
	var (
		n   node.Node
		err error
	)
	if cause := strings.TrimSpace(req.Unreachable); cause != "" {
		n, err = h.app.Nodes.ReportUnreachable(r.Context(), id, apperrors.New(cause))
	} else {
		n, err = h.app.Nodes.MarkUnhealthy(r.Context(), id, req.Reason)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}
