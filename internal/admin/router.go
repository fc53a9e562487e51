package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/store"
)

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables bearer authentication of /api routes. Empty leaves
	// them open.
	JWTSecret string

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
}

// NewHandler returns the admin HTTP API with its middleware: panic
// recovery, request logging, CORS and, when a secret is set, bearer
// authentication.
func NewHandler(svc *Service, opts Options, logger zerolog.Logger) http.Handler {
	router := NewRouter(svc, opts, logger)

	var h http.Handler = router
	h = logRequests(logger)(h)
	if len(opts.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(opts.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.AllowCredentials(),
		)(h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}))(h)
}

// NewRouter registers the admin routes.
func NewRouter(svc *Service, opts Options, logger zerolog.Logger) *mux.Router {
	a := &api{svc: svc, logger: logger}
	router := mux.NewRouter()

	router.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	r := router.PathPrefix("/api").Subrouter()
	if opts.JWTSecret != "" {
		r.Use(requireToken(opts.JWTSecret))
	}
	r.HandleFunc("/connections", a.listConnections).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", a.getConnection).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/enable", a.enable).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/disable", a.disable).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/runs", a.trigger).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/logs", a.logs).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/stats", a.stats).Methods(http.MethodGet)
	r.HandleFunc("/runs/active", a.active).Methods(http.MethodGet)
	return router
}

type api struct {
	svc    *Service
	logger zerolog.Logger
}

type triggerRequest struct {
	Full bool `json:"full"`
}

type triggerResponse struct {
	RunID        string `json:"run_id"`
	ConnectionID string `json:"connection_id"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.svc.Connections(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (a *api) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := a.svc.Connection(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (a *api) enable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.svc.Enable(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": id, "enabled": true})
}

func (a *api) disable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.svc.Disable(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": id, "enabled": false})
}

func (a *api) trigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if v := r.URL.Query().Get("full"); v != "" {
		full, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid full parameter")
			return
		}
		req.Full = full
	}

	runID, err := a.svc.Trigger(r.Context(), id, req.Full)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{RunID: runID, ConnectionID: id})
}

func (a *api) logs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}
	entries, err := a.svc.Logs(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) active(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Active())
}

// fail maps a service error to its HTTP status.
func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case engine.IsRunInProgress(err), engine.IsConnectionDisabled(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error().Err(err).Msg("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
