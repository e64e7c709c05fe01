// Package gateway serves live rosters over HTTP and websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatroster/pkg/config"
	"chatroster/pkg/session"
	"chatroster/pkg/source"
)

const defaultHealthCheckInterval = 30 * time.Second

type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	sources source.Set
	manager *sessionManager
	router  chi.Router

	healthCheckInterval time.Duration
	sessionIdle         time.Duration

	mu              sync.RWMutex
	startedAt       time.Time
	sourcesLastOKAt time.Time
	sourcesLastErr  string
}

type statusResponse struct {
	Status          string   `json:"status"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	SourcesLastOKAt string   `json:"sources_last_ok_at,omitempty"`
	SourcesLastErr  string   `json:"sources_last_error,omitempty"`
	Sessions        []string `json:"sessions"`
}

// NewService builds the gateway. Sessions started by the gateway share
// sources and stop when ctx ends.
func NewService(ctx context.Context, cfg *config.Config, sources source.Set, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := sources.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	interval := time.Duration(cfg.Gateway.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}

	template := session.Options{
		DedupWindow: cfg.Session.DedupWindow,
		BusBuffer:   cfg.Session.BusBuffer,
		Reconnect: session.ReconnectPolicy{
			InitialInterval: cfg.Reconnect.InitialInterval(),
			MaxInterval:     cfg.Reconnect.MaxInterval(),
			MaxElapsedTime:  cfg.Reconnect.MaxElapsed(),
			GapLookback:     cfg.Reconnect.GapLookback(),
		},
	}

	s := &Service{
		cfg:                 cfg,
		log:                 log.With("component", "gateway.service"),
		sources:             sources,
		manager:             newSessionManager(ctx, sources, template, log),
		healthCheckInterval: interval,
		sessionIdle:         cfg.Gateway.SessionIdle(),
		startedAt:           time.Now().UTC(),
	}
	s.router = s.newRouter()

	return s, nil
}

// Handler returns the HTTP routes.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/subscribers/{id}", func(r chi.Router) {
		r.Get("/roster", s.handleRoster)
		r.Get("/roster/ws", s.handleRosterSocket)
		r.Post("/directory/refresh", s.handleRefreshDirectory)
		r.Post("/presence", s.handlePublishPresence)
	})

	return r
}

// Run serves until ctx ends, then stops every session.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkSourceHealth(ctx); err != nil {
		s.log.Warn("Initial source health check failed", "error", err)
	}

	serverErrors := make(chan error, 1)
	go s.runServer(ctx, serverErrors)

	ticker := time.NewTicker(s.healthCheckInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkSourceHealth(ctx)
			}
		}
	}()

	if s.sessionIdle > 0 {
		go s.runJanitor(ctx, evictInterval(s.sessionIdle))
	}
	// Sessions share the presence source, so expired heartbeats are swept
	// once here rather than per session.
	if sweeper, ok := s.sources.Presence.(source.Sweeper); ok {
		go source.RunSweeper(ctx, sweeper, s.cfg.Sources.Redis.SweepInterval(), s.log)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	}

	if err := s.manager.Close(); err != nil {
		s.log.Error("Closing sessions failed", "error", err)
	}
	return runErr
}

// runJanitor evicts idle sessions every interval until ctx ends.
func (s *Service) runJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.manager.EvictIdle(s.sessionIdle); len(evicted) > 0 {
				s.log.Debug("Evicted idle sessions", "count", len(evicted))
			}
		}
	}
}

func evictInterval(idle time.Duration) time.Duration {
	return max(min(idle/2, time.Minute), time.Second)
}

// Close stops every session without waiting for Run.
func (s *Service) Close() error {
	return s.manager.Close()
}

func (s *Service) runServer(ctx context.Context, errCh chan<- error) {
	addr := s.cfg.Gateway.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	_ = s.checkSourceHealth(r.Context())

	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	lastOK := ""
	if !s.sourcesLastOKAt.IsZero() {
		lastOK = s.sourcesLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		SourcesLastOKAt: lastOK,
		SourcesLastErr:  s.sourcesLastErr,
		Sessions:        s.manager.Subscribers(),
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.sourcesLastOKAt.IsZero() && s.sourcesLastErr == ""
}

func (s *Service) checkSourceHealth(ctx context.Context) error {
	if err := s.sources.Ping(ctx); err != nil {
		s.mu.Lock()
		s.sourcesLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("source health check failed: %w", err)
	}

	s.mu.Lock()
	s.sourcesLastErr = ""
	s.sourcesLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}
