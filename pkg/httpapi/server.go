// Package httpapi is the concrete HTTP adapter over the lifecycle engine:
// a chi router exposing create/list/get/renew/kill/pause/resume, with a
// single error-translation helper (respondAPIErr) rendering the
// {code, message} envelope. Routing shape grounded on the chi + cors wiring used elsewhere
// in the pack for a tenant-scoped REST surface, adapted here to a
// runtime-keyed set of lifecycle engines instead of a tenant-scoped DB.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/lifecycle"
	"github.com/opensandbox/sandboxd/pkg/log"
	"github.com/opensandbox/sandboxd/pkg/metrics"
	"github.com/opensandbox/sandboxd/pkg/types"
)

// Server holds the HTTP adapter's dependencies.
type Server struct {
	Router         *chi.Mux
	engines        map[types.RuntimeType]*lifecycle.Engine
	defaultRuntime types.RuntimeType
	apiKey         string
}

// NewServer builds the router and mounts every route. engines maps each
// configured runtime type to its Engine; requests name a runtime via the
// "runtime" query parameter, defaulting to defaultRuntime.
func NewServer(engines map[types.RuntimeType]*lifecycle.Engine, defaultRuntime types.RuntimeType, apiKey string) *Server {
	s := &Server{Router: chi.NewRouter(), engines: engines, defaultRuntime: defaultRuntime, apiKey: apiKey}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(requestLogger)
	s.Router.Use(metricsMiddleware)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle("/metrics", metrics.Handler())

	s.Router.Route("/v1/sandboxes", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.requireAPIKey)
		}
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/renew", s.handleRenew)
		r.Delete("/{id}", s.handleKill)
		r.Post("/{id}/pause", s.handlePause)
		r.Post("/{id}/resume", s.handleResume)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			respondError(w, http.StatusUnauthorized, apierr.CodeInvalidParameter, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) engineFor(r *http.Request) (*lifecycle.Engine, bool) {
	runtime := types.RuntimeType(r.URL.Query().Get("runtime"))
	if runtime == "" {
		runtime = s.defaultRuntime
	}
	e, ok := s.engines[runtime]
	return e, ok
}

// createSandboxRequest is the wire shape for POST /v1/sandboxes.
type createSandboxRequest struct {
	Image          types.ImageSpec       `json:"image"`
	Entrypoint     []string              `json:"entrypoint"`
	Env            map[string]string     `json:"env,omitempty"`
	Timeout        int                   `json:"timeout"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	ResourceLimits *types.ResourceLimits `json:"resourceLimits,omitempty"`
	Volumes        []types.Volume        `json:"volumes,omitempty"`
	NetworkPolicy  *types.NetworkPolicy  `json:"networkPolicy,omitempty"`
	Extensions     map[string]any        `json:"extensions,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}

	var body createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "malformed request body")
		return
	}

	info, err := engine.Create(r.Context(), types.SandboxRequest{
		Image:          body.Image,
		Entrypoint:     body.Entrypoint,
		Env:            body.Env,
		Timeout:        body.Timeout,
		Metadata:       body.Metadata,
		ResourceLimits: body.ResourceLimits,
		Volumes:        body.Volumes,
		NetworkPolicy:  body.NetworkPolicy,
		Extensions:     body.Extensions,
	})
	if err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusCreated, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}

	filter := lifecycle.Filter{
		Metadata: parseMetadataFilter(r.URL.Query().Get("metadata")),
		Page:     parseIntDefault(r.URL.Query().Get("page"), 0),
		PageSize: parseIntDefault(r.URL.Query().Get("pageSize"), 50),
	}
	if states := r.URL.Query().Get("state"); states != "" {
		filter.States = append(filter.States, types.SandboxState(states))
	}

	infos, err := engine.List(r.Context(), filter)
	if err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}
	info, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

type renewRequest struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}
	var body renewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "malformed request body")
		return
	}
	if err := engine.Renew(r.Context(), chi.URLParam(r, "id"), body.ExpiresAt); err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}
	if err := engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}
	if err := engine.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierr.CodeInvalidParameter, "unknown runtime")
		return
	}
	if err := engine.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAPIErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func parseMetadataFilter(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}
