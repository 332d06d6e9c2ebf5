package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/metrics"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/sensors"
)

// Version is reported by the health endpoint
var Version = "dev"

// Config controls the HTTP listener
type Config struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// ApplyDefaults fills zero fields
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// SensorCatalog is a catalog that can enumerate its sensors
type SensorCatalog interface {
	sensors.Catalog
	List() []sensors.Metadata
}

// Evaluator runs an on-demand evaluation of one Aura
type Evaluator interface {
	EvaluateAura(ctx context.Context, auraID string) ([]rules.Result, error)
}

// AuraDeleter removes an Aura's own record
type AuraDeleter interface {
	Delete(ctx context.Context, auraID string) error
}

// Deps are the collaborators of the API. Rules, Catalog and Bus are
// required; the rest switch features on when set.
type Deps struct {
	Rules         rules.Repository
	Catalog       SensorCatalog
	Bus           events.Bus
	Evaluator     Evaluator
	TriggerLog    rules.TriggerLog
	Enforcer      *billing.Enforcer
	Auras         AuraDeleter
	Metrics       *metrics.Metrics
	Limiter       *ratelimit.AuraLimiter
	StripeWebhook http.Handler
	Ready         func(ctx context.Context) error
}

// Server is the HTTP API of the behavior engine
type Server struct {
	config     Config
	deps       Deps
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a server and its routes
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	if s.deps.StripeWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", s.deps.StripeWebhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sensors", s.ListSensors)

		r.Route("/auras/{auraID}", func(r chi.Router) {
			if s.deps.Limiter != nil {
				r.Use(s.deps.Limiter.Middleware(ratelimit.OpAPI, auraFromPath))
			}
			r.Delete("/", s.DeleteAura)
			if s.deps.Limiter != nil {
				r.With(s.deps.Limiter.Middleware(ratelimit.OpEvaluate, auraFromPath)).Post("/evaluate", s.EvaluateAura)
			} else {
				r.Post("/evaluate", s.EvaluateAura)
			}
			r.Get("/triggers", s.ListTriggers)

			r.Get("/rules", s.ListRules)
			r.Post("/rules", s.CreateRule)
			r.Route("/rules/{ruleID}", func(r chi.Router) {
				r.Get("/", s.GetRule)
				r.Put("/", s.UpdateRule)
				r.Delete("/", s.DeleteRule)
				r.Post("/enable", s.EnableRule)
				r.Post("/disable", s.DisableRule)
				r.Post("/reset", s.ResetRule)
			})
		})
	})
}

func auraFromPath(r *http.Request) string {
	return chi.URLParam(r, "auraID")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	} else {
		s.logger.Debug("API error", zap.Error(err), zap.Int("status", status))
	}
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
