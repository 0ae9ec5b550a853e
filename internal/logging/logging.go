package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config contains logging configuration.
type Config struct {
	// CacheDirectory is the workspace cache directory; logs live under
	// CacheDirectory/logs/server.log.
	CacheDirectory string
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// Console mirrors logs to stderr in addition to the file. Must be
	// false for MCP stdio mode (see SetupMCPMode).
	Console bool
}

// DefaultConfig returns sensible defaults for file logging under dir.
func DefaultConfig(cacheDirectory string) Config {
	return Config{
		CacheDirectory: cacheDirectory,
		Level:          "info",
		MaxSizeMB:      10,
		MaxFiles:       5,
		Console:        true,
	}
}

// Setup initializes file-based logging and returns a cleanup function.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if err := EnsureLogDir(cfg.CacheDirectory); err != nil {
		return nil, nil, err
	}

	writer, err := NewRotatingWriter(LogPath(cfg.CacheDirectory), cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	level := parseLevel(cfg.Level)
	fileHandler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})

	var handler slog.Handler = fileHandler
	if cfg.Console {
		opts := &slog.HandlerOptions{Level: level}
		if isatty.IsTerminal(os.Stderr.Fd()) {
			handler = multiHandler{fileHandler, slog.NewTextHandler(os.Stderr, opts)}
		} else {
			handler = multiHandler{fileHandler, slog.NewJSONHandler(os.Stderr, opts)}
		}
	}

	logger := slog.New(handler)
	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return logger, cleanup, nil
}

// multiHandler fans a record out to every wrapped handler, matching slog's
// own Handler contract (used here instead of io.MultiWriter so file logs
// stay pure JSON regardless of the console handler's format).
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(multiHandler, len(m))
	for i, h := range m {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make(multiHandler, len(m))
	for i, h := range m {
		next[i] = h.WithGroup(name)
	}
	return next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromString converts a string level to slog.Level.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}
