// Package api exposes the task manager over HTTP.
//
// Endpoints:
//
//	POST /api/v1/sync        - preprocess, run inline, return the result
//	POST /api/v1/async       - preprocess and submit; returns a task id
//	GET  /api/v1/task/{id}   - task snapshot
//	GET  /api/v1/queue/stats - manager statistics
//	GET  /api/v1/service     - heartbeat registration of this instance and its peers
//	POST /mcp-server/mcp     - MCP tools process_sync, process_async, get_task_status
//	GET  /healthz            - liveness
//	GET  /metrics            - prometheus exposition
package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/heartbeat"
	"github.com/guido-cesarano/asyncq/pkg/logger"
	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
	"github.com/guido-cesarano/asyncq/pkg/transform"
)

const maxBodyBytes = 1 << 20

// Engine is the part of manager.Manager the API drives.
type Engine interface {
	Submit(payload interface{}) (string, error)
	GetStatus(id string) (tasks.Snapshot, bool)
	Stats() manager.Stats
	Run(ctx context.Context, payload interface{}) (interface{}, error)
}

// SubmitNotifier is told about submissions that asked for a callback.
type SubmitNotifier interface {
	TaskSubmitted(taskID, callbackURL string)
}

// ServiceInfo reports this instance's registration and its live peers.
type ServiceInfo interface {
	ServiceInfo() heartbeat.Info
	Instances(ctx context.Context) ([]heartbeat.Info, error)
}

// ServiceView is the body of GET /api/v1/service. Peers lists every live
// instance of the service, this one included; it is omitted when the
// registry cannot be read.
type ServiceView struct {
	heartbeat.Info
	Peers []heartbeat.Info `json:"peers,omitempty"`
}

// SyncRequest is the body of POST /api/v1/sync.
type SyncRequest struct {
	Data map[string]interface{} `json:"data" validate:"required"`
}

// AsyncRequest is the body of POST /api/v1/async.
type AsyncRequest struct {
	Data        map[string]interface{} `json:"data" validate:"required"`
	CallbackURL string                 `json:"callback_url" validate:"omitempty,url"`
}

// TaskResponse acknowledges an accepted submission.
type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// Server holds the handlers' dependencies.
type Server struct {
	engine   Engine
	pre      *transform.Preprocessor
	notifier SubmitNotifier
	service  ServiceInfo
	gatherer prometheus.Gatherer
	origin   string
	mcpName  string
	validate *validator.Validate
	log      zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithPreprocessor replaces the default-limits preprocessor.
func WithPreprocessor(p *transform.Preprocessor) Option {
	return func(s *Server) { s.pre = p }
}

// WithNotifier sets who hears about callback submissions.
func WithNotifier(n SubmitNotifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithService enables GET /api/v1/service.
func WithService(si ServiceInfo) Option {
	return func(s *Server) { s.service = si }
}

// WithGatherer sets the registry served on /metrics. Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithCORSOrigin sets Access-Control-Allow-Origin. Defaults to "*".
func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.origin = origin }
}

// WithMCPName sets the implementation name MCP clients see. Defaults to DefaultMCPName.
func WithMCPName(name string) Option {
	return func(s *Server) { s.mcpName = name }
}

// WithLogger sets the request and error logger. Defaults to logger.Log tagged
// with component=api.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a Server driving engine.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
		origin:   "*",
		mcpName:  DefaultMCPName,
		validate: validator.New(),
		log:      logger.Log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pre == nil {
		s.pre = transform.NewPreprocessor(transform.DefaultLimits())
	}
	s.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors(s.origin))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Post("/async", s.handleAsync)
		r.Get("/task/{id}", s.handleTask)
		r.Get("/queue/stats", s.handleStats)
		r.Get("/service", s.handleService)
	})
	r.Handle(MCPPath, s.mcpHandler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "bad request", err)
		return
	}
	payload, err := s.pre.Preprocess(req.Data)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := s.engine.Run(r.Context(), payload)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("Synchronous processing failed")
		s.respondError(w, r, http.StatusInternalServerError, "processing failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, transform.Postprocess(result))
}

func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	var req AsyncRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "bad request", err)
		return
	}
	payload, err := s.pre.Preprocess(req.Data)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid payload", err)
		return
	}

	id, err := s.engine.Submit(payload)
	switch {
	case errors.Is(err, manager.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "1")
		s.respondError(w, r, http.StatusTooManyRequests, "task queue is full", err)
		return
	case errors.Is(err, manager.ErrShutdownInProgress):
		s.respondError(w, r, http.StatusServiceUnavailable, "server is shutting down", err)
		return
	case err != nil:
		s.respondError(w, r, http.StatusInternalServerError, "submit failed", err)
		return
	}

	if req.CallbackURL != "" && s.notifier != nil {
		s.notifier.TaskSubmitted(id, req.CallbackURL)
	}
	s.log.Info().Str("task_id", id).Bool("callback", req.CallbackURL != "").Msg("Task submitted")
	s.respondJSON(w, http.StatusAccepted, TaskResponse{TaskID: id, Message: "task submitted"})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.engine.GetStatus(id)
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "task not found", nil)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		s.respondError(w, r, http.StatusNotFound, "service registration is disabled", nil)
		return
	}
	view := ServiceView{Info: s.service.ServiceInfo()}
	peers, err := s.service.Instances(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list service instances")
	} else {
		view.Peers = peers
	}
	s.respondJSON(w, http.StatusOK, view)
}
