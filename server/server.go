// Package server implements the tempus HTTP server: REST API, auth, the
// time authority endpoint, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tempusd/tempus/config"
	"github.com/tempusd/tempus/event"
	"github.com/tempusd/tempus/remind"
	"github.com/tempusd/tempus/server/api"
	"github.com/tempusd/tempus/server/ws"
	"github.com/tempusd/tempus/task"
	"github.com/tempusd/tempus/timeauth"
)

// Server is the tempus HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks     *task.Service
	scheduler *remind.Scheduler
	bus       event.Bus
	clock     timeauth.Clock
	hub       *ws.Hub

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		clock:     timeauth.SystemClock{},
		startTime: time.Now(),
		version:   ver,
	}
}

// SetTaskService attaches the task state machine to the server.
func (s *Server) SetTaskService(svc *task.Service) { s.tasks = svc }

// SetScheduler attaches the reminder scheduler to the server.
func (s *Server) SetScheduler(sched *remind.Scheduler) { s.scheduler = sched }

// SetBus attaches the task event bus to the server.
func (s *Server) SetBus(bus event.Bus) { s.bus = bus }

// SetClock overrides the time authority clock. Call before Start.
func (s *Server) SetClock(clock timeauth.Clock) { s.clock = clock }

// SetHub attaches the SSE hub to the server.
func (s *Server) SetHub(hub *ws.Hub) { s.hub = hub }

// Hub returns the SSE hub, creating one on first use.
func (s *Server) Hub() *ws.Hub {
	if s.hub == nil {
		s.hub = ws.NewHub(s.logger)
	}
	return s.hub
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8484"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Tasks:     s.tasks,
		Scheduler: s.scheduler,
		Clock:     s.clock,
		Logger:    s.logger,
		Version:   s.version,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/time", timeauth.Handler(s.clock))
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// WireEvents forwards task events onto each owner's live SSE channel.
// Call after the hub and bus are attached.
func (s *Server) WireEvents() {
	if s.bus == nil {
		return
	}
	hub := s.Hub()
	s.bus.Subscribe(func(_ context.Context, ev event.TaskEvent) error {
		hub.BroadcastTo(ev.UserID, "task_"+ev.Action, ev)
		return nil
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleSSE authenticates via query token (EventSource can't set
// headers) and hands the connection to the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := verifyToken(s.jwtSecret(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.Hub().ServeSSE(w, r, userID)
}
