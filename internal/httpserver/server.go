package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

const readinessCheckTimeout = 2 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ReadinessCheck is run on every /readyz request. A non-nil error marks the
// process unready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Build   BuildInfo
	Metrics *metrics.Metrics

	// Signaling is served at GET /ws.
	Signaling http.Handler
	// Accounts, when set, is mounted at /api/auth.
	Accounts http.Handler
	// TURN, when set, mints per-request credentials for /webrtc/ice.
	TURN   *turnrest.Issuer
	Checks []ReadinessCheck
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	metrics *metrics.Metrics
	origins origin.Policy
	turn    *turnrest.Issuer
	checks  []ReadinessCheck

	ready atomic.Bool

	router *chi.Mux
	srv    *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:     logger,
		cfg:     opts.Config,
		build:   opts.Build,
		metrics: opts.Metrics,
		origins: origin.NewPolicy(opts.Config.AllowedOrigins),
		turn:    opts.TURN,
		checks:  opts.Checks,
		router:  chi.NewRouter(),
	}

	s.router.Use(
		middleware.RequestID,
		exposeRequestID,
		middleware.RealIP,
		requestLogger(s.log, s.metrics),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowOriginFunc:  s.allowCORSOrigin,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           600,
		}),
	)
	s.registerRoutes(opts)

	s.srv = &http.Server{
		Addr:              opts.Config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(opts Options) {
	r := s.router

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", s.readyz)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	r.With(s.requireOrigin).Get("/webrtc/ice", s.iceServers)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Signaling != nil {
		r.Method(http.MethodGet, "/ws", opts.Signaling)
	}
	if opts.Accounts != nil {
		r.Mount("/api/auth", s.requireOrigin(opts.Accounts))
	}
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.log.Warn("readiness check failed", "check", c.Name, "err", err)
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "check": c.Name, "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) iceServers(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		// Encode as [] rather than null.
		servers = []webrtc.ICEServer{}
	}
	if s.turn != nil {
		var err error
		if servers, err = s.turn.Apply(servers); err != nil {
			s.log.Error("mint turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		w.Header().Set("Cache-Control", "no-store")
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
