package watcher

import (
	"context"
	"time"
)

// Operation classifies a file-system change.
type Operation int

const (
	// OpCreate: a new file or directory appeared.
	OpCreate Operation = iota
	// OpModify: an existing file's content changed.
	OpModify
	// OpDelete: a file or directory disappeared.
	OpDelete
	// OpRename: a file or directory moved.
	OpRename
	// OpGitignoreChange: a .gitignore changed; the index may need to drop
	// newly-ignored files and pick up newly-unignored ones.
	OpGitignoreChange
	// OpConfigChange: the project config file changed; exclude patterns
	// may need reloading.
	OpConfigChange
)

var operationNames = map[Operation]string{
	OpCreate:          "CREATE",
	OpModify:          "MODIFY",
	OpDelete:          "DELETE",
	OpRename:          "RENAME",
	OpGitignoreChange: "GITIGNORE_CHANGE",
	OpConfigChange:    "CONFIG_CHANGE",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// FileEvent is one observed file-system change, with paths relative to the
// watched root.
type FileEvent struct {
	Path string

	// OldPath is the source path of a rename; empty otherwise.
	OldPath string

	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Watcher is the interface both backends (fsnotify and polling) satisfy.
type Watcher interface {
	// Start watches path recursively until Stop or context cancellation.
	Start(ctx context.Context, path string) error

	// Stop releases resources. Safe to call more than once.
	Stop() error

	// Events streams observed changes; closed when the watcher stops.
	Events() <-chan FileEvent

	// Errors streams non-fatal errors; the watcher keeps running after
	// sending one. Closed when the watcher stops.
	Errors() <-chan error
}

// Options tunes watcher behavior.
type Options struct {
	// DebounceWindow is how long to coalesce a path's events before
	// emitting them.
	DebounceWindow time.Duration

	// PollInterval is the sweep period of the polling fallback backend.
	PollInterval time.Duration

	// EventBufferSize caps the event channel; overflow drops batches.
	EventBufferSize int

	// IgnorePatterns extend .gitignore with gitignore-syntax patterns.
	IgnorePatterns []string
}

// DefaultOptions returns the stock tuning: 200ms debounce, 5s poll sweep,
// a 1000-event buffer.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 1000,
	}
}

// Validate reports an invalid Options combination. Every field currently
// has a workable zero-value default, so it always succeeds.
func (o Options) Validate() error {
	return nil
}

// WithDefaults fills zero-valued fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = def.DebounceWindow
	}
	if o.PollInterval == 0 {
		o.PollInterval = def.PollInterval
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = def.EventBufferSize
	}
	return o
}
