package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/accounts"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/presence"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	os.Exit(run(cfg, logger))
}

// run returns the process exit code. It is split from main so deferred
// cleanups execute before os.Exit.
func run(cfg config.Config, logger *slog.Logger) int {
	logger.Info("starting aero-screenshare-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"accounts_enabled", cfg.AccountsEnabled(),
		"room_sweep_interval", cfg.RoomSweepInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"presence_enabled", cfg.RedisURL != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var checks []httpserver.ReadinessCheck

	hubCfg := signaling.HubConfig{
		Logger:        logger.With("component", "hub"),
		Metrics:       m,
		SweepInterval: cfg.RoomSweepInterval,
	}
	if cfg.RedisURL != "" {
		// Keys outlive a couple of missed sweeps, then vanish with the process.
		mirror, err := presence.Dial(ctx, cfg.RedisURL, cfg.PresenceKeyPrefix, 3*cfg.RoomSweepInterval)
		if err != nil {
			logger.Error("failed to connect presence redis", "err", err)
			return 2
		}
		defer mirror.Close()
		hubCfg.Sink = mirror
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: mirror.Ping})
	}
	hub := signaling.NewHub(hubCfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		return 2
	}
	origins := origin.NewPolicy(cfg.AllowedOrigins)
	sig := signaling.NewServer(signaling.Config{
		Hub:      hub,
		Logger:   logger.With("component", "signaling"),
		Metrics:  m,
		AuthMode: cfg.AuthMode,
		Verifier: verifier,
		Origins:  &origins,

		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:                 cfg.SignalingSendQueueSize,
	})

	var accountsHandler http.Handler
	if cfg.AccountsEnabled() {
		store, err := accounts.OpenStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open account store", "err", err)
			return 2
		}
		defer store.Close()

		svc := accounts.NewService(store, auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL), cfg.BcryptCost)
		accountsHandler = accounts.NewHandler(accounts.HandlerConfig{
			Service: svc,
			Logger:  logger.With("component", "accounts"),
			Metrics: m,
			Limiter: ratelimit.NewKeyed(ratelimit.KeyedConfig{PerMinute: cfg.AuthRatePerMinute}),
		}).Routes()
		checks = append(checks, httpserver.ReadinessCheck{Name: "accounts_store", Check: svc.Ping})
	}

	var turn *turnrest.Issuer
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewIssuer(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			return 2
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Options{
		Config:    cfg,
		Logger:    logger,
		Build:     httpserver.BuildInfo{Commit: commit, BuildTime: builtAt},
		Metrics:   m,
		Signaling: sig,
		Accounts:  accountsHandler,
		TURN:      turn,
		Checks:    checks,
	})

	// The hub outlives the HTTP server so in-flight connections get a clean
	// close frame during shutdown.
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
