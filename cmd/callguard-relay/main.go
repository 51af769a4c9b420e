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

	"github.com/wilsonzlin/aero/proxy/callguard/internal/config"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/flagstore"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/origin"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/relay"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/report"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/signaling"
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

	// Validate the lexicon on startup so a broken file is caught before peers
	// download it.
	lexicon := risk.DefaultLexicon()
	if cfg.LexiconPath != "" {
		lexicon, err = risk.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			logger.Error("failed to load risk lexicon", "path", cfg.LexiconPath, "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting callguard-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_peers", cfg.MaxPeers,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"data_dir_set", cfg.DataDir != "",
		"kafka_enabled", len(cfg.KafkaBrokers) > 0,
		"lexicon_keywords", lexicon.Len(),
	)

	logStartupWarnings(logger, cfg)

	m := metrics.New()

	flags, err := openFlagStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open flag store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := flags.Close(); err != nil {
			logger.Error("flag store close failed", "err", err)
		}
	}()

	publisher := report.NewPublisher(report.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaReportTopic,
		Logger:  logger,
	})
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close failed", "err", err)
		}
	}()

	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		logger.Error("invalid allowed origins", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Deps{
		Flags:     flags,
		Reports:   report.NewLog(cfg.ReportLogLimit),
		Publisher: publisher,
		Metrics:   m,
		Origins:   origins,
	})

	broker := signaling.NewBroker(signaling.Config{
		Registry:             relay.NewRegistry(cfg.MaxPeers, logger, m),
		Logger:               logger,
		Metrics:              m,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		CheckOrigin:          checkOrigin(origins, m),
	})
	broker.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		broker.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so close
	// them explicitly.
	broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
	}
}

func openFlagStore(cfg config.Config, logger *slog.Logger) (flagstore.Store, error) {
	if cfg.DataDir == "" {
		return flagstore.NewMemory(), nil
	}
	return flagstore.OpenBadger(flagstore.BadgerOptions{Dir: cfg.DataDir, Logger: logger})
}

func checkOrigin(p *origin.Policy, m *metrics.Metrics) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if p.Allow(r) {
			return true
		}
		m.Inc(metrics.EventOriginRejected)
		return false
	}
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
