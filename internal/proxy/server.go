package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/async"
	"github.com/veilgate/veilgate/internal/config"
	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/monitor"
	"github.com/veilgate/veilgate/internal/output"
	"github.com/veilgate/veilgate/internal/pipeline"
	"github.com/veilgate/veilgate/internal/tokens"
	"github.com/veilgate/veilgate/internal/transport"
)

// Server represents the main proxy server
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	router       *mux.Router
	server       *http.Server
	hub          *monitor.Hub
	limiter      *rateLimiter
	orchestrator *Orchestrator
}

// New creates a new proxy server instance
func New(cfg *config.Config, version string, log *logger.Logger) (*Server, error) {
	deterministic := tokens.NewDeterministic(cfg.Pseudonym.Salt)
	strategy, err := tokens.NewReversible(deterministic, cfg.Pseudonym.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to build tokenization strategy: %w", err)
	}

	deps := Collaborators{}

	if cfg.Upstream.BaseURL != "" {
		credentials := transport.NewCachingCredentialSource(
			transport.EnvCredentialSource{},
			cfg.Credentials.CacheSize,
			cfg.Credentials.CacheTTL,
		)
		deps.Upstream, err = transport.NewHTTPUpstream(transport.Config{
			BaseURL:        cfg.Upstream.BaseURL,
			ConnectTimeout: cfg.Upstream.ConnectTimeout,
			ReadTimeout:    cfg.Upstream.ReadTimeout,
			CredentialName: cfg.Upstream.CredentialName,
			AuthScheme:     cfg.Upstream.AuthScheme,
			UserAgent:      cfg.Upstream.UserAgent,
		}, credentials, log)
		if err != nil {
			return nil, err
		}
	}

	deps.RawOutput, err = buildOutput(cfg.Outputs.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw output: %w", err)
	}
	deps.SanitizedOutput, err = buildOutput(cfg.Outputs.Sanitized)
	if err != nil {
		return nil, fmt.Errorf("failed to build sanitized output: %w", err)
	}

	if cfg.Async.Enabled {
		deps.Async, err = async.NewRedisDispatcher(cfg.Async.RedisURL, cfg.Async.Queue, log)
		if err != nil {
			return nil, err
		}
	}

	var hub *monitor.Hub
	if cfg.Monitor.Enabled {
		hub = monitor.NewHub(cfg.Monitor, log)
		deps.Hub = hub
	}

	orchestrator, err := NewOrchestrator(cfg, version, strategy, deps, log)
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:       cfg,
		logger:       log.WithComponent("proxy"),
		router:       mux.NewRouter(),
		hub:          hub,
		orchestrator: orchestrator,
	}
	if cfg.RateLimit.Enabled {
		server.limiter = newRateLimiter(cfg.RateLimit)
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// Orchestrator exposes the processing pipeline, e.g. for async workers.
func (s *Server) Orchestrator() *Orchestrator { return s.orchestrator }

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc(s.config.Monitor.Path, s.hub.HandleWebSocket).Methods("GET")
	}

	// everything else is a proxied API call
	apiRouter := s.router.PathPrefix("/").Subrouter()
	apiRouter.Use(s.requestIDMiddleware)
	apiRouter.Use(s.loggingMiddleware)
	apiRouter.Use(s.rateLimitMiddleware)
	apiRouter.PathPrefix("/").HandlerFunc(s.handleProxy)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting veilgate proxy server",
		zap.Int("port", s.config.Server.Port),
		zap.String("upstream", s.config.Upstream.BaseURL),
		zap.String("rules", s.config.Rules.Path),
	)

	if s.hub != nil {
		go s.hub.Run()
	}

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping veilgate proxy server")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.orchestrator.HealthCheck()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// handleProxy turns the HTTP request into a request description and runs
// it through the orchestrator.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	// health checks short-circuit before any upstream call
	if headerTruthy(r.Header.Get(HeaderHealthCheck)) {
		s.handleHealth(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	req := pipeline.RequestDescription{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Headers:  r.Header,
		Body:     body,
		HTTPS:    isHTTPS(r),
		ClientIP: getClientIP(r),
	}

	pctx := pipeline.NewProcessingContextWithID(getRequestID(r.Context()), time.Now())

	result := s.orchestrator.Process(r.Context(), req, pctx)
	s.writeResult(w, result)
}

func (s *Server) writeResult(w http.ResponseWriter, result *Result) {
	for name, values := range result.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	// diagnostics on every response, errors included, so a misbehaving
	// integration can be matched to a deployment without server access
	w.Header().Set(HeaderVersion, s.orchestrator.version)
	if s.config.Pseudonym.Salt != "" {
		w.Header().Set(HeaderSaltSHA, s.orchestrator.strategy.Deterministic().SaltFingerprint())
	}

	if result.Content != nil {
		if ct := result.Content.ContentType; ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if enc := result.Content.ContentEncoding; enc != "" {
			w.Header().Set("Content-Encoding", enc)
			w.Header().Del("Content-Length")
		}
		if v := result.Content.Metadata[pipeline.MetaRulesFingerprint]; v != "" {
			w.Header().Set(HeaderRulesSHA, v)
		}
	}

	if result.Cause != "" {
		w.Header().Set(HeaderError, string(result.Cause))
	}
	for _, warning := range result.Warnings {
		w.Header().Add(HeaderWarning, warning)
	}

	w.WriteHeader(result.Status)
	switch {
	case result.Content != nil:
		if _, err := io.Copy(w, result.Content.Stream()); err != nil {
			s.logger.Warn("response write interrupted", zap.Error(err))
		}
	case result.Message != "":
		fmt.Fprintln(w, result.Message)
	}
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func buildOutput(cfg config.OutputConfig) (pipeline.SideOutput, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var (
		out pipeline.SideOutput
		err error
	)
	switch cfg.Kind {
	case "file":
		out, err = output.NewFileOutput(cfg.Dir)
	case "redis":
		out, err = output.NewRedisOutput(cfg.RedisURL, cfg.Stream, cfg.MaxStream)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err = output.NewPostgresOutput(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown output kind %q", cfg.Kind)
	}
	return out, err
}
