package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/agent"
	"github.com/guildwatch/guildwatch/internal/command"
	"github.com/guildwatch/guildwatch/internal/config"
	"github.com/guildwatch/guildwatch/internal/hub"
	"github.com/guildwatch/guildwatch/internal/watcher"
	"github.com/guildwatch/guildwatch/pkg/cerr"
	"github.com/guildwatch/guildwatch/pkg/clog"
)

type Server struct {
	server     *http.Server
	env        *config.Env
	registry   *agent.Registry
	collection *watcher.Collection
	aggregator *activity.Aggregator
	router     *command.Router
	hub        *hub.Hub
}

func NewServer(
	env *config.Env,
	registry *agent.Registry,
	collection *watcher.Collection,
	aggregator *activity.Aggregator,
	router *command.Router,
	h *hub.Hub,
) *Server {
	return &Server{
		env:        env,
		registry:   registry,
		collection: collection,
		aggregator: aggregator,
		router:     router,
		hub:        h,
	}
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests, so cancelling it on shutdown also ends
// the open WebSocket read loops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.handler()), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware())
		r.Get("/metrics", s.handleMetrics)
		r.Get("/activity", s.handleActivity)
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleRegisterAgent)
		r.Delete("/agents/{agentID}", s.handleDeregisterAgent)
		r.Get("/agents/{agentID}/metrics", s.handleAgentMetrics)
		r.Post("/command", s.handleCommand)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.WriteHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.NotFound, "not found", nil))
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)
	mux.Handle("/ws", s.hub)
	return mux
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	cerr.WriteHTTPResponse(r.Context(), w, s.aggregator.SystemSnapshot(), nil)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			cerr.WriteHTTPResponse(r.Context(), w, nil,
				cerr.NewError(cerr.InvalidArgument, "limit must be an integer", err))
			return
		}
		limit = parsed
	}
	cerr.WriteHTTPResponse(r.Context(), w, s.aggregator.RecentActivity(limit), nil)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	cerr.WriteHTTPResponse(r.Context(), w, s.registry.List(), nil)
}

type registerAgentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.WriteHTTPResponse(ctx, w, nil, cerr.NewError(cerr.InvalidArgument, "invalid request body", err))
		return
	}
	if req.ID == "" || req.Path == "" {
		cerr.WriteHTTPResponse(ctx, w, nil, cerr.NewError(cerr.InvalidArgument, "id and path are required", nil))
		return
	}
	name := req.Name
	if name == "" {
		if p, ok := s.registry.Get(req.ID); ok {
			name = p.Name
		} else {
			name = req.ID
		}
	}

	if err := s.collection.Register(ctx, req.ID, name, req.Path); err != nil {
		cerr.WriteHTTPResponse(ctx, w, nil, err)
		return
	}
	s.registry.SetActive(req.ID, true)
	s.registry.Touch(req.ID, time.Now())

	metrics, err := s.aggregator.Metrics(req.ID)
	cerr.WriteHTTPResponse(ctx, w, metrics, err)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")
	if err := s.collection.Deregister(agentID); err != nil {
		cerr.WriteHTTPResponse(ctx, w, nil, err)
		return
	}
	s.registry.SetActive(agentID, false)
	cerr.WriteHTTPResponse(ctx, w, map[string]string{"status": "deregistered"}, nil)
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")

	metrics, err := s.aggregator.Metrics(agentID)
	if err != nil {
		cerr.WriteHTTPResponse(ctx, w, nil, err)
		return
	}

	// Enrich with an on-demand worktree snapshot when a watcher is live.
	type agentMetricsResponse struct {
		*activity.AgentMetrics
		Worktree *watcher.Snapshot `json:"worktree,omitempty"`
	}
	resp := &agentMetricsResponse{AgentMetrics: metrics}
	if s.collection.Registered(agentID) {
		if snap, err := s.collection.Snapshot(ctx, agentID); err == nil {
			resp.Worktree = snap
		}
	}
	cerr.WriteHTTPResponse(ctx, w, resp, nil)
}

type commandRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.WriteHTTPResponse(ctx, w, nil, cerr.NewError(cerr.InvalidArgument, "invalid request body", err))
		return
	}
	if req.Text == "" {
		cerr.WriteHTTPResponse(ctx, w, nil, cerr.NewError(cerr.InvalidArgument, "text is required", nil))
		return
	}

	resp, err := s.router.Process(ctx, req.Text)
	cerr.WriteHTTPResponse(ctx, w, resp, err)
}
