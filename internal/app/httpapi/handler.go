// Package httpapi exposes the control plane over HTTP.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	app "github.com/R3E-Network/dws/internal/app"
	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/config"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/R3E-Network/dws/internal/middleware"
)

// Options selects the optional middleware. Nil entries are disabled.
type Options struct {
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORSMiddleware
	Audit       *AuditLog
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app      *app.Application
	audit    *AuditLog
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns the API router wrapped in its middleware chain:
// tracing, CORS and metrics on every request; rate limiting, authentication
// and auditing on /v1.
func NewHandler(application *app.Application, opts Options, log *logging.Logger) http.Handler {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	h := &handler{
		app:   application,
		audit: opts.Audit,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NotFound("route", r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": httputil.ErrorBody{Code: "METHOD_NOT_ALLOWED", Message: r.Method + " not allowed on " + r.URL.Path},
		})
	})

	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	if opts.RateLimiter != nil {
		v1.Use(opts.RateLimiter.Handler)
	}
	if opts.Auth != nil {
		v1.Use(opts.Auth.Handler)
	}
	if opts.Audit != nil {
		v1.Use(opts.Audit.Handler)
	}

	agent := middleware.RequireRole(middleware.RoleAgent)
	admin := middleware.RequireRole()

	v1.Handle("/nodes", agent(http.HandlerFunc(h.registerNode))).Methods(http.MethodPost)
	v1.HandleFunc("/nodes", h.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", h.getNode).Methods(http.MethodGet)
	v1.Handle("/nodes/{id}", agent(http.HandlerFunc(h.deregisterNode))).Methods(http.MethodDelete)
	v1.Handle("/nodes/{id}/heartbeat", agent(http.HandlerFunc(h.heartbeat))).Methods(http.MethodPost)
	v1.Handle("/nodes/{id}/health", agent(http.HandlerFunc(h.markNode))).Methods(http.MethodPost)

	v1.Handle("/services/stateful", admin(http.HandlerFunc(h.deployStateful))).Methods(http.MethodPost)
	v1.HandleFunc("/services/stateful", h.listStateful).Methods(http.MethodGet)
	v1.HandleFunc("/services/stateful/{id}", h.getStateful).Methods(http.MethodGet)
	v1.Handle("/services/stateful/{id}/scale", admin(http.HandlerFunc(h.scaleStateful))).Methods(http.MethodPost)
	v1.Handle("/services/stateful/{id}", admin(http.HandlerFunc(h.terminateStateful))).Methods(http.MethodDelete)

	v1.HandleFunc("/services/workers/catalogue", h.workerCatalogue).Methods(http.MethodGet)
	v1.Handle("/services/workers", admin(http.HandlerFunc(h.deployWorker))).Methods(http.MethodPost)
	v1.HandleFunc("/services/workers", h.listWorkers).Methods(http.MethodGet)
	v1.HandleFunc("/services/workers/{id}", h.getWorker).Methods(http.MethodGet)
	v1.Handle("/services/workers/{id}/scale", admin(http.HandlerFunc(h.scaleWorker))).Methods(http.MethodPost)
	v1.Handle("/services/workers/{id}", admin(http.HandlerFunc(h.terminateWorker))).Methods(http.MethodDelete)

	v1.HandleFunc("/dns", h.query).Methods(http.MethodGet)
	v1.HandleFunc("/dns/resolve", h.resolve).Methods(http.MethodGet)
	v1.HandleFunc("/dns/watch", h.watch).Methods(http.MethodGet)
	v1.HandleFunc("/dns/records", h.listRecords).Methods(http.MethodGet)
	v1.Handle("/dns/records", admin(http.HandlerFunc(h.registerRecord))).Methods(http.MethodPost)
	v1.Handle("/dns/records/{name}", admin(http.HandlerFunc(h.deregisterRecord))).Methods(http.MethodDelete)
	v1.Handle("/dns/{name}/health", admin(http.HandlerFunc(h.markEndpoint))).Methods(http.MethodPost)

	v1.Handle("/sweep", admin(http.HandlerFunc(h.sweep))).Methods(http.MethodPost)
	v1.Handle("/audit", admin(http.HandlerFunc(h.listAudit))).Methods(http.MethodGet)

	var out http.Handler = router
	out = middleware.MetricsMiddleware()(out)
	if opts.CORS != nil {
		out = opts.CORS.Handler(out)
	}
	return middleware.NewTracingMiddleware(log.Named("http")).Handler(out)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sweeper":  h.app.Sweeper.Running(),
		"last_run": h.app.Sweeper.Last().Started,
	})
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteJSON(w, http.StatusOK, []AuditEntry{})
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.audit.List(limit))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteServiceError(w, r, err)
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.InvalidFormat(key, "boolean")
	}
	return v, nil
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.InvalidFormat(key, "integer")
	}
	return v, nil
}

func workerType(raw string) string {
	return config.GetWorkerType(raw)
}
