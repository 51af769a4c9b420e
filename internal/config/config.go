package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/origin"
)

const (
	envVarListenAddr      = "CALLGUARD_LISTEN_ADDR"
	envVarMode            = "CALLGUARD_MODE"
	envVarLogFormat       = "CALLGUARD_LOG_FORMAT"
	envVarLogLevel        = "CALLGUARD_LOG_LEVEL"
	envVarShutdownTimeout = "CALLGUARD_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling relay limits.
	envVarMaxPeers                      = "MAX_PEERS"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	// Flagged numbers, scam reports and scoring.
	envVarDataDir          = "CALLGUARD_DATA_DIR"
	envVarKafkaBrokers     = "KAFKA_BROKERS"
	envVarKafkaReportTopic = "KAFKA_REPORT_TOPIC"
	envVarLexiconPath      = "CALLGUARD_LEXICON_PATH"
	envVarReportLogLimit   = "CALLGUARD_REPORT_LOG_LIMIT"

	envVarSTUNURLs = "CALLGUARD_STUN_URLS"

	// DefaultListenAddr uses port 5000, where browser clients expect the relay.
	DefaultListenAddr                         = "0.0.0.0:5000"
	DefaultShutdown                           = 15 * time.Second
	DefaultMode                          Mode = ModeDev
	DefaultMaxPeers                           = 0
	DefaultMaxSignalingMessageBytes           = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond      = 50
	DefaultSignalingWSIdleTimeout             = 60 * time.Second
	DefaultSignalingWSPingInterval            = 20 * time.Second
	DefaultKafkaReportTopic                   = "callguard.scam-reports"
	DefaultReportLogLimit                     = 1000
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins lists normalized browser origins. Empty means same-host
	// only; "*" allows any origin.
	AllowedOrigins []string

	// MaxPeers caps concurrently registered signaling peers (0 = unlimited).
	MaxPeers                      int
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration

	// DataDir holds the persistent flagged-number store. Empty keeps flagged
	// numbers in memory.
	DataDir          string
	KafkaBrokers     []string
	KafkaReportTopic string
	LexiconPath      string
	ReportLogLimit   int

	// ICEServers is advertised to browser peers via GET /api/ice.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	dataDir := envOrDefault(lookup, envVarDataDir, "")
	kafkaBrokersStr := envOrDefault(lookup, envVarKafkaBrokers, "")
	kafkaReportTopic := envOrDefault(lookup, envVarKafkaReportTopic, DefaultKafkaReportTopic)
	lexiconPath := envOrDefault(lookup, envVarLexiconPath, "")
	stunURLs := envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURL)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxPeers, err := envIntOrDefault(lookup, envVarMaxPeers, DefaultMaxPeers)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	reportLogLimit, err := envIntOrDefault(lookup, envVarReportLogLimit, DefaultReportLogLimit)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	fs := flag.NewFlagSet("callguard-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.IntVar(&maxPeers, "max-peers", maxPeers, "Maximum concurrent signaling peers (0 = unlimited; env "+envVarMaxPeers+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Maximum inbound signaling frame size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-connection signaling message rate; excess is dropped (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling connections with no pong for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Signaling keepalive ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.StringVar(&dataDir, "data-dir", dataDir, "Directory for the flagged-number store (empty = in-memory; env "+envVarDataDir+")")
	fs.StringVar(&kafkaBrokersStr, "kafka-brokers", kafkaBrokersStr, "Comma-separated Kafka brokers for scam reports (empty = disabled; env "+envVarKafkaBrokers+")")
	fs.StringVar(&kafkaReportTopic, "kafka-report-topic", kafkaReportTopic, "Kafka topic for scam reports (env "+envVarKafkaReportTopic+")")
	fs.StringVar(&lexiconPath, "lexicon", lexiconPath, "YAML risk lexicon (empty = built-in; env "+envVarLexiconPath+")")
	fs.IntVar(&reportLogLimit, "report-log-limit", reportLogLimit, "Scam reports kept in memory (env "+envVarReportLogLimit+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs advertised to peers, or \"none\" (env "+envVarSTUNURLs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Log defaults follow the final mode unless set explicitly.
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if !setFlags["log-format"] && envOrDefault(lookup, envVarLogFormat, "") == "" {
		logFormatStr = defaultLogFormatForMode(modeStr)
	}
	if !setFlags["log-level"] && envOrDefault(lookup, envVarLogLevel, "") == "" {
		logLevelStr = defaultLogLevelForMode(modeStr)
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if maxPeers < 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be >= 0)", envVarMaxPeers, maxPeers)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxSignalingMessageBytes, maxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be >= 0)", envVarMaxSignalingMessagesPerSecond, maxMessagesPerSecond)
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0)", envVarSignalingWSIdleTimeout, idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0 and < %s)", envVarSignalingWSPingInterval, pingInterval, envVarSignalingWSIdleTimeout)
	}
	if reportLogLimit <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarReportLogLimit, reportLogLimit)
	}
	if strings.TrimSpace(kafkaReportTopic) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarKafkaReportTopic)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}
	iceServers, err := ParseSTUNURLs(stunURLs)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarSTUNURLs, err)
	}

	return Config{
		ListenAddr:                    listenAddr,
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                allowedOrigins,
		MaxPeers:                      maxPeers,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		DataDir:                       strings.TrimSpace(dataDir),
		KafkaBrokers:                  splitList(kafkaBrokersStr),
		KafkaReportTopic:              strings.TrimSpace(kafkaReportTopic),
		LexiconPath:                   strings.TrimSpace(lexiconPath),
		ReportLogLimit:                reportLogLimit,
		ICEServers:                    iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return NewLoggerTo(os.Stdout, cfg.LogFormat, cfg.LogLevel)
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func ParseLogFormat(raw string) (LogFormat, error) { return parseLogFormat(raw) }

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func ParseLogLevel(raw string) (slog.Level, error) { return parseLogLevel(raw) }

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range splitList(raw) {
		if part == "*" {
			out = append(out, part)
			continue
		}
		norm, _, ok := origin.Normalize(part)
		if !ok || norm == "null" {
			return nil, fmt.Errorf("invalid origin %q", part)
		}
		out = append(out, norm)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
