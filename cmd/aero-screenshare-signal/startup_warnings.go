package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
)

const minProdJWTSecretLen = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone open a signaling connection",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.AccountsEnabled() && len(cfg.JWTSecret) < minProdJWTSecretLen {
		logger.Warn("startup security warning: JWT_SECRET is short for --mode=prod",
			"warning_code", "jwt_secret_short",
			"jwt_secret_len", len(cfg.JWTSecret),
			"min_len", minProdJWTSecretLen,
			"mode", cfg.Mode,
		)
	}

	if cfg.AccountsEnabled() {
		if driver, _ := config.DatabaseDriver(cfg.DatabaseURL); driver == "memory" {
			logger.Warn("startup warning: DATABASE_URL is unset; accounts are kept in memory and lost on restart",
				"warning_code", "accounts_in_memory",
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (SDP blobs rarely exceed a few KiB)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT is very large (dead peers hold room slots longer)",
			"warning_code", "signaling_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server config is invalid; /readyz and /webrtc/ice will report 503",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && !slices.ContainsFunc(cfg.ICEServers, config.HasTURNURL) {
		logger.Warn("startup warning: no TURN server configured; viewers behind symmetric NAT will not connect",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}
}
