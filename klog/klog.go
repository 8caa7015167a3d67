// Package klog is the ambient logging layer that blkfs and cmd/mountvfs
// write through: one process-wide *slog.Logger, a severity level
// selectable at runtime via an slog.LevelVar, and a choice of text or
// JSON output.
package klog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Severity levels; slog only ships four built-in levels so Trace is
// mapped below Debug.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.Level(-4)
	LevelInfo  = slog.Level(0)
	LevelWarn  = slog.Level(4)
	LevelError = slog.Level(8)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

func replaceLevelAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level := a.Value.Any().(slog.Level)
	name, ok := levelNames[level]
	if !ok {
		name = level.String()
	}
	a.Key = "severity"
	a.Value = slog.StringValue(name)
	return a
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, programLevel, false))
)

func newHandler(w io.Writer, level *slog.LevelVar, json bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelAttr}
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetOutput redirects the default logger to w, choosing the JSON handler
// when asJSON is set.
func SetOutput(w io.Writer, asJSON bool) {
	defaultLogger = slog.New(newHandler(w, programLevel, asJSON))
}

// SetLevel parses a severity name (case-insensitive: trace, debug, info,
// warning, error) and applies it to the default logger.
func SetLevel(name string) {
	switch strings.ToUpper(name) {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(LevelDebug)
	case "WARNING", "WARN":
		programLevel.Set(LevelWarn)
	case "ERROR":
		programLevel.Set(LevelError)
	default:
		programLevel.Set(LevelInfo)
	}
}

func log(level slog.Level, msg string, args ...any) {
	defaultLogger.Log(context.Background(), level, msg, args...)
}

// Tracef logs at TRACE severity, the noisiest level (per-byte I/O traces).
func Tracef(format string, args ...any) { log(LevelTrace, fmt.Sprintf(format, args...)) }

// Debugf logs at DEBUG severity.
func Debugf(format string, args ...any) { log(LevelDebug, fmt.Sprintf(format, args...)) }

// Infof logs at INFO severity.
func Infof(format string, args ...any) { log(LevelInfo, fmt.Sprintf(format, args...)) }

// Warnf logs at WARNING severity.
func Warnf(format string, args ...any) { log(LevelWarn, fmt.Sprintf(format, args...)) }

// Errorf logs at ERROR severity.
func Errorf(format string, args ...any) { log(LevelError, fmt.Sprintf(format, args...)) }

// With returns a logger scoped with the given key/value attributes, for
// call sites that want structured fields instead of a formatted message
// (e.g. mount point, device, inode number).
func With(args ...any) *slog.Logger { return defaultLogger.With(args...) }
