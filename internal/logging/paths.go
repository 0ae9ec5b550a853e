package logging

import (
	"os"
	"path/filepath"
)

// LogDir returns the logs/ subdirectory under the given cache directory.
func LogDir(cacheDirectory string) string {
	return filepath.Join(cacheDirectory, "logs")
}

// LogPath returns the server.log path under the given cache directory.
func LogPath(cacheDirectory string) string {
	return filepath.Join(LogDir(cacheDirectory), "server.log")
}

// EnsureLogDir creates the logs/ directory under cacheDirectory.
func EnsureLogDir(cacheDirectory string) error {
	return os.MkdirAll(LogDir(cacheDirectory), 0o755)
}
