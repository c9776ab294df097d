// Package api exposes the engine over HTTP: playbook CRUD, manual
// runs, execution state, the live event stream, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"orthrus/config"
	"orthrus/service"
	"orthrus/soar"
	"orthrus/storage"
)

// AuditTrailReader serves the per-execution audit endpoint. Nil when no
// ClickHouse backend is configured; the endpoint then returns 404.
type AuditTrailReader interface {
	QueryAuditTrail(ctx context.Context, executionID string, limit int) ([]*soar.AuditEvent, error)
}

// API is the HTTP server.
type API struct {
	cfg      config.ServerConfig
	service  *service.PlaybookService
	registry *soar.Registry
	audit    AuditTrailReader
	stream   *StreamHub
	auth     *Authenticator
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
	server   *http.Server
}

// New builds the API. audit and auth may be nil (no audit backend, auth
// disabled).
func New(cfg config.ServerConfig, svc *service.PlaybookService, registry *soar.Registry, audit AuditTrailReader, stream *StreamHub, auth *Authenticator, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(rps) * 2
	}
	a := &API{
		cfg:      cfg,
		service:  svc,
		registry: registry,
		audit:    audit,
		stream:   stream,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger,
	}

	router := mux.NewRouter()
	router.Use(a.recoveryMiddleware, a.loggingMiddleware, a.rateLimitMiddleware)

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if a.auth != nil {
		router.HandleFunc("/api/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	if a.auth != nil {
		v1.Use(a.auth.Middleware)
	}

	v1.HandleFunc("/playbooks", a.handleListPlaybooks).Methods(http.MethodGet)
	v1.HandleFunc("/playbooks", a.handleCreatePlaybook).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/validate", a.handleValidatePlaybook).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}", a.handleGetPlaybook).Methods(http.MethodGet)
	v1.HandleFunc("/playbooks/{id}", a.handleUpdatePlaybook).Methods(http.MethodPut)
	v1.HandleFunc("/playbooks/{id}", a.handleDeletePlaybook).Methods(http.MethodDelete)
	v1.HandleFunc("/playbooks/{id}/enable", a.handleSetEnabled(true)).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}/disable", a.handleSetEnabled(false)).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}/run", a.handleRunPlaybook).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}/versions/{version}", a.handleGetPlaybookVersion).Methods(http.MethodGet)

	v1.HandleFunc("/executions", a.handleListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", a.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/cancel", a.handleCancelExecution).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/audit", a.handleExecutionAudit).Methods(http.MethodGet)
	v1.HandleFunc("/executions/stream", a.handleStream).Methods(http.MethodGet)

	v1.HandleFunc("/actions", a.handleListActions).Methods(http.MethodGet)
	v1.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (a *API) Start() error {
	a.logger.Infow("API listening", "addr", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *API) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Errorw("Handler panicked",
					"path", r.URL.Path, "panic", rec)
				a.respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debugw("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			a.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		a.respondError(w, http.StatusNotFound, "event streaming is not enabled")
		return
	}
	a.stream.ServeWS(w, r)
}

func (a *API) handleExecutionAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		a.respondError(w, http.StatusNotFound, "audit backend is not configured")
		return
	}
	executionID := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.audit.QueryAuditTrail(r.Context(), executionID, limit)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (a *API) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps engine errors onto HTTP statuses.
func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	var verrs *soar.ValidationErrors
	var verr *soar.ValidationError
	switch {
	case errors.As(err, &verrs):
		messages := make([]string, 0, len(verrs.Errors))
		for _, e := range verrs.Errors {
			messages = append(messages, e.Error())
		}
		a.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "playbook validation failed",
			"causes": messages,
		})
	case errors.As(err, &verr):
		a.respondError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, soar.ErrExecutionNotFound):
		a.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		a.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, soar.ErrPlaybookDisabled), errors.Is(err, soar.ErrExecutionNotCancellable):
		a.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, soar.ErrQueueClosed):
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Errorw("Request failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
