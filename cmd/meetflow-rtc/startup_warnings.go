package main

import (
	"log/slog"
	"time"

	"github.com/meetflow/rtc/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (clients choose their own identity)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomStore == config.RoomStoreMemory {
		logger.Warn("startup security warning: ROOM_STORE=memory while --mode=prod (rooms are lost on restart and not shared across replicas)",
			"warning_code", "room_store_memory_in_prod",
			"room_store", cfg.RoomStore,
			"mode", cfg.Mode,
		)
	}

	// Warn if the signaling message cap is unusually large, since a single SDP
	// or candidate never comes close to it.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingAuthTimeout > time.Minute {
		logger.Warn("startup security warning: SIGNALING_AUTH_TIMEOUT is very large (increases unauthenticated connection resource exposure)",
			"warning_code", "signaling_auth_timeout_large",
			"signaling_auth_timeout", cfg.SignalingAuthTimeout,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
