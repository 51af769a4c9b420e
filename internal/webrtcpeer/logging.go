package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory routes pion's internal logging through slog. Each pion
// scope becomes a "scope" attribute. Trace output is logged at debug level.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{log: logger}
}

type slogFactory struct {
	log *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) logf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveled) Trace(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l slogLeveled) Tracef(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l slogLeveled) Debug(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l slogLeveled) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l slogLeveled) Info(msg string) { l.logf(slog.LevelInfo, "%s", msg) }
func (l slogLeveled) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l slogLeveled) Warn(msg string) { l.logf(slog.LevelWarn, "%s", msg) }
func (l slogLeveled) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l slogLeveled) Error(msg string) { l.logf(slog.LevelError, "%s", msg) }
func (l slogLeveled) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
