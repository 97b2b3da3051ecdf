package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"reprorun/internal/config"
	"reprorun/internal/sandbox"
)

// Version is the engine version reported by doctor.
const Version = "1.0.0"

// Server is the HTTP front end for the engine.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer configures routes and the middleware chain. Health, doctor and
// metrics bypass authentication; everything else requires an API key when
// keys are configured.
func NewServer(cfg *config.Config, handlers *Handlers) *Server {
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /replay/validate", handlers.HandleReplayValidate)
	apiMux.HandleFunc("POST /drift", handlers.HandleDrift)
	apiMux.HandleFunc("POST /drift/stream", handlers.HandleDriftStream)
	apiMux.HandleFunc("POST /proof", handlers.HandleProofBuild)
	apiMux.HandleFunc("POST /proof/verify", handlers.HandleProofVerify)
	apiMux.HandleFunc("POST /cas", handlers.HandleCASPut)
	apiMux.HandleFunc("GET /cas/{digest}", handlers.HandleCASGet)
	apiMux.HandleFunc("GET /cas/{digest}/info", handlers.HandleCASInfo)
	apiMux.HandleFunc("POST /cas/{digest}/verify", handlers.HandleCASVerify)
	apiMux.HandleFunc("POST /cas/gc", handlers.HandleCASGC)
	apiMux.HandleFunc("POST /cas/sync", handlers.HandleCASSync)
	apiMux.HandleFunc("GET /executions", handlers.HandleListRecords)
	apiMux.HandleFunc("GET /executions/{digest}", handlers.HandleGetRecord)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /doctor", s.handleDoctor)
	if handlers.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(handlers.metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(handlers.metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.handlers.db == nil || s.handlers.db.Healthy(r.Context())
	casOK := s.handlers.store != nil

	resp := HealthResponse{
		Status:        "ok",
		Hash:          s.handlers.eng.Runtime(),
		CAS:           casOK,
		Database:      dbOK,
		CompatWarning: s.handlers.eng.Degraded(),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	resp := DoctorResponse{
		EngineVersion: Version,
		Hash:          s.handlers.eng.Runtime(),
		Sandbox:       sandbox.Detect(),
		SchedulerMode: s.handlers.sched.Mode(),
		Workers:       s.handlers.sched.Workers(),
		DriftRuns:     s.handlers.driftRuns,
		CompatWarning: s.handlers.eng.Degraded(),
	}
	if s.handlers.store != nil {
		resp.CASRoot = s.handlers.store.Root()
		if objects, err := s.handlers.store.List(); err == nil {
			resp.CASObjects = len(objects)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
