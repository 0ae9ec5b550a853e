package logging

import (
	"log/slog"
)

// SetupMCPMode initializes logging for stdio MCP server mode. The JSON-RPC
// stream owns stdout; any stray write there corrupts the protocol, so the
// console mirror is forced off regardless of the caller's preference.
func SetupMCPMode(cacheDirectory, level string) (func(), error) {
	cfg := Config{
		CacheDirectory: cacheDirectory,
		Level:          level,
		MaxSizeMB:      10,
		MaxFiles:       5,
		Console:        false,
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	slog.Info("mcp stdio logging initialized",
		slog.String("log_file", LogPath(cacheDirectory)),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
