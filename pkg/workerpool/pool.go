// Package workerpool provides a bounded worker pool for controlled concurrency.
// Submissions block when the queue is full, so a fast producer such as a
// Kafka poll loop is slowed to the pace of the workers instead of dropping work.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned when submitting to a stopped pool
var ErrClosed = errors.New("worker pool is stopped")

// Handler processes one item
type Handler[T any] func(ctx context.Context, item T) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the number of items buffered ahead of the workers
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single consumer process
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type job[T any] struct {
	ctx  context.Context
	item T
	done chan error
}

// Pool runs a Handler over submitted items on a fixed set of workers
type Pool[T any] struct {
	config  Config
	handler Handler[T]
	logger  *zap.Logger

	queue chan job[T]
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	stop    chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates and starts a worker pool
func New[T any](cfg Config, fn Handler[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	p := &Pool[T]{
		config:  cfg,
		handler: fn,
		logger:  logger,
		queue:   make(chan job[T], cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p, nil
}

// Submit queues item, blocking while the queue is full. The returned channel
// receives the final outcome once the item has been processed.
func (p *Pool[T]) Submit(ctx context.Context, item T) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrClosed
	}

	j := job[T]{ctx: ctx, item: item, done: make(chan error, 1)}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessBatch runs every item through the pool and waits for all of them.
// errs[i] is the outcome of items[i].
func (p *Pool[T]) ProcessBatch(ctx context.Context, items []T) []error {
	errs := make([]error, len(items))
	pending := make([]<-chan error, len(items))
	for i, item := range items {
		done, err := p.Submit(ctx, item)
		if err != nil {
			errs[i] = err
			continue
		}
		pending[i] = done
	}
	for i, done := range pending {
		if done != nil {
			errs[i] = <-done
		}
	}
	return errs
}

// Stop rejects new submissions and waits for queued items to finish
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		close(p.stop)
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool: shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.busy.Add(1)
		err := p.run(j)
		p.busy.Add(-1)

		if err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed", zap.Int("worker_id", id), zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		j.done <- err
	}
}

// run calls the handler, retrying transient failures with linear backoff
func (p *Pool[T]) run(j job[T]) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := j.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = p.handler(j.ctx, j.item)
		if err == nil || IsPermanent(err) {
			return err
		}
		if attempt >= p.config.MaxRetries {
			return fmt.Errorf("failed after %d retries: %w", p.config.MaxRetries, err)
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-j.ctx.Done():
			return j.ctx.Err()
		case <-p.stop:
			return err
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats holds pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	Busy          int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Busy:          p.busy.Load(),
		QueueDepth:    len(p.queue),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	if s.QueueCapacity == 0 {
		return s.Busy < int64(s.Workers)
	}
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
