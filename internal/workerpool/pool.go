// Package workerpool implements the bounded embedding worker pool: at most a
// fixed number of embedding batches run at once, each on its submitter's
// goroutine and admitted in FIFO order, each call guarded by a circuit breaker so a sustained
// run of embedder failures degrades to "workers disabled" rather than
// retrying forever. Concurrency is gated by golang.org/x/sync's weighted
// semaphore; internal/errors.CircuitBreaker provides the trip/cooldown
// state machine.
package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"golang.org/x/sync/semaphore"
)

// Embedder is the subset of embed.Embedder the pool depends on. Declared
// locally to avoid an import cycle with internal/embed's heavier
// lifecycle/backend machinery.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the pool's concurrency and failure handling.
type Config struct {
	Workers          int // 0 disables the pool: Submit runs inline on the caller's goroutine
	FailureThreshold int // consecutive failures before the breaker trips; default 3
	Cooldown         time.Duration // how long the breaker stays open; default 60s
}

// StatusFunc is invoked whenever the circuit breaker's state changes, so the
// caller can publish progress.json's workerCircuitOpen/workersDisabledUntil
// fields.
type StatusFunc func(open bool, disabledUntil time.Time)

// Pool runs embedding batches across a bounded set of workers, queued FIFO.
type Pool struct {
	cfg      Config
	embedder Embedder
	breaker  *eerrors.CircuitBreaker
	retry    eerrors.RetryConfig
	sem      *semaphore.Weighted
	onStatus StatusFunc
	closed   atomic.Bool
}

// New builds a Pool. workers <= 0 disables concurrency: Submit calls the
// embedder directly and synchronously (the workerThreads=0 configuration).
func New(cfg Config, embedder Embedder, onStatus StatusFunc) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	p := &Pool{
		cfg:      cfg,
		embedder: embedder,
		onStatus: onStatus,
	}
	if cfg.Workers > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.Workers))
	}
	p.breaker = eerrors.NewCircuitBreaker("embedding-workers",
		eerrors.WithMaxFailures(cfg.FailureThreshold),
		eerrors.WithResetTimeout(cfg.Cooldown))
	p.retry = eerrors.RetryConfig{
		MaxRetries:   1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   1,
	}
	return p
}

// Submit embeds one batch, queued FIFO behind the semaphore's acquire order.
// Cancelling ctx while queued releases the caller without ever invoking the
// embedder.
func (p *Pool) Submit(ctx context.Context, texts []string) ([][]float32, error) {
	if p.closed.Load() {
		return nil, eerrors.New(eerrors.Cancelled, "workerpool: terminated", nil)
	}
	if p.sem == nil {
		return p.embedOnce(ctx, texts)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("workerpool: %w", err)
	}
	defer p.sem.Release(1)
	return p.embedOnce(ctx, texts)
}

func (p *Pool) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	wasOpen := p.breaker.State() == eerrors.StateOpen
	vectors, err := eerrors.CircuitExecuteWithResult(p.breaker,
		func() ([][]float32, error) {
			return eerrors.RetryWithResult(ctx, p.retry, func() ([][]float32, error) {
				return p.embedder.EmbedBatch(ctx, texts)
			})
		},
		func() ([][]float32, error) {
			// While the breaker is open, submissions route through the
			// embedder directly on the caller's goroutine: no retry
			// wrapper, and the outcome doesn't count toward the breaker,
			// whose half-open probe after the cooldown is what closes it.
			return p.embedder.EmbedBatch(ctx, texts)
		},
	)

	isOpenNow := p.breaker.State() == eerrors.StateOpen
	if isOpenNow != wasOpen && p.onStatus != nil {
		until := time.Time{}
		if isOpenNow {
			until = time.Now().Add(p.cfg.Cooldown)
		}
		p.onStatus(isOpenNow, until)
	}
	return vectors, err
}

// CircuitOpen reports whether the breaker is currently tripped.
func (p *Pool) CircuitOpen() bool {
	return p.breaker.State() == eerrors.StateOpen
}

// Terminate marks the pool closed: new Submit calls fail fast immediately
// rather than being queued. In-flight batches are left to
// their own ctx cancellation; the pool holds no separate goroutine registry
// to abort beyond that.
func (p *Pool) Terminate() {
	p.closed.Store(true)
}
