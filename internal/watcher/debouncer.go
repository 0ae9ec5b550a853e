package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces a path's rapid-fire events within a window so the
// indexer sees one change instead of a thrash of intermediate states:
//
//	CREATE then MODIFY  -> CREATE (the file is still new to the index)
//	CREATE then DELETE  -> dropped (the index never saw it exist)
//	MODIFY then DELETE  -> DELETE
//	DELETE then CREATE  -> MODIFY (the file was replaced in place)
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*trackedEvent
	timer   *time.Timer
	stopped bool

	output chan []FileEvent
	stopCh chan struct{}
}

// trackedEvent remembers the first operation seen for a path, which is
// what the coalescing rules key on.
type trackedEvent struct {
	event   FileEvent
	firstOp Operation
}

// NewDebouncer creates a Debouncer emitting coalesced batches after each
// window of quiet.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*trackedEvent),
		output:  make(chan []FileEvent, 10),
		stopCh:  make(chan struct{}),
	}
}

// Add feeds one raw event in, merging it with any pending event for the
// same path.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if tracked, ok := d.pending[event.Path]; ok {
		merged, keep := coalesce(tracked.firstOp, tracked.event, event)
		if !keep {
			delete(d.pending, event.Path)
		} else {
			tracked.event = merged
		}
	} else {
		d.pending[event.Path] = &trackedEvent{event: event, firstOp: event.Operation}
	}

	// Restart the quiet-period timer on every arrival.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// coalesce applies the merge rules to (first operation seen, current
// pending event, newly arrived event). keep=false means the pair
// annihilated and the path should be forgotten.
func coalesce(firstOp Operation, pending, incoming FileEvent) (merged FileEvent, keep bool) {
	switch {
	case firstOp == OpCreate && incoming.Operation == OpModify:
		return pending, true
	case firstOp == OpCreate && incoming.Operation == OpDelete:
		return FileEvent{}, false
	case firstOp == OpDelete && incoming.Operation == OpCreate:
		incoming.Operation = OpModify
		return incoming, true
	default:
		return incoming, true
	}
}

// flush emits everything pending as one batch. Full output drops the
// batch rather than blocking the event source.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]FileEvent, 0, len(d.pending))
	for _, tracked := range d.pending {
		batch = append(batch, tracked.event)
	}
	d.pending = make(map[string]*trackedEvent)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(batch)))
	}
}

// Output is the stream of coalesced batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop halts the debouncer and closes Output. Safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.stopCh)
	close(d.output)
}
