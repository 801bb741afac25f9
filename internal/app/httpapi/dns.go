package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPingPeriod = 30 * time.Second
)

type recordRequest struct {
	Name      string               `json:"name"`
	Endpoints []discovery.Endpoint `json:"endpoints"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

type endpointHealthRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Healthy bool   `json:"healthy"`
}

// query answers GET /v1/dns?name=&type=. Failures keep the DNS rcode in the
// error details.
func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	q := discovery.Query{
		Name: r.URL.Query().Get("name"),
		Type: discovery.QueryType(r.URL.Query().Get("type")),
	}
	if q.Type == "" {
		q.Type = discovery.QueryA
	}
	resp, err := h.app.Discovery.HandleQuery(r.Context(), q)
	if err != nil {
		if se := apperrors.GetServiceError(err); se != nil {
			err = se.WithDetails("rcode", string(resp.Rcode))
		}
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// resolve picks one healthy endpoint of a name, or the leader with leader=true.
func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		writeError(w, r, apperrors.Validation("name is required"))
		return
	}
	leader, err := boolQuery(r, "leader")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var ep discovery.Endpoint
	if leader {
		ep, err = h.app.Discovery.ResolveLeader(name)
	} else {
		ep, err = h.app.Discovery.ResolveWithLoadBalancing(name, discovery.Strategy(r.URL.Query().Get("strategy")))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ep)
}

func (h *handler) listRecords(w http.ResponseWriter, r *http.Request) {
	all, err := boolQuery(r, "all")
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.app.Discovery.ListRecords(all))
}

// registerRecord publishes an external name. Platform namespaces are owned
// by the provisioners and cannot be written here.
func (h *handler) registerRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.app.Discovery.Register(ctx, req.Name, discovery.TypeExternal, req.Metadata); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.app.Discovery.SetEndpoints(ctx, req.Name, req.Endpoints)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (h *handler) deregisterRecord(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := h.app.Discovery.Get(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.Type != discovery.TypeExternal {
		writeError(w, r, apperrors.Validation("%s is managed by the %s namespace", rec.Name, rec.Type))
		return
	}
	if err := h.app.Discovery.Deregister(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) markEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointHealthRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["name"]
	var (
		changed bool
		err     error
	)
	if req.Healthy {
		changed, err = h.app.Discovery.MarkEndpointHealthy(r.Context(), name, req.Address, req.Port)
	} else {
		changed, err = h.app.Discovery.MarkEndpointUnhealthy(r.Context(), name, req.Address, req.Port)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// watch streams discovery events over a websocket until either side closes.
func (h *handler) watch(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event committed after
	// the client sees the upgrade is missed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.app.Discovery.Watch(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.WithError(err).Debug("watch upgrade failed")
		return
	}
	defer conn.Close()

	// Reader loop: detects client close and discards client frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(watchWriteWait))
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				h.log.WithError(err).Debug("watch write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}
