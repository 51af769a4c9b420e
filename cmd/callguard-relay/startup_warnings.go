package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPeers <= 0 {
		logger.Warn("startup security warning: MAX_PEERS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_peers_unlimited_in_prod",
			"max_peers", cfg.MaxPeers,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every relayed envelope is buffered per recipient)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DataDir == "" {
		logger.Warn("startup warning: CALLGUARD_DATA_DIR is unset; flagged numbers are kept in memory and lost on restart",
			"warning_code", "flag_store_in_memory",
			"mode", cfg.Mode,
		)
	}
}
