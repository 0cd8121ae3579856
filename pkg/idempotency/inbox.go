// Package idempotency provides the Inbox pattern for exactly-once message processing.
// Entries are keyed by message ID and handler name, so one event can feed
// several independent handlers.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrMessageInProgress indicates message is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Claim is the outcome of trying to start processing a message
type Claim struct {
	// Acquired is set when the caller now owns the message
	Acquired bool
	// Recovered is set when a recoverable or stale entry was re-claimed
	Recovered bool
	// Status and Result describe the existing entry when not acquired
	Status Status
	Result json.RawMessage
}

// Store persists inbox entries
type Store interface {
	// Claim atomically records the message as STARTED unless it is finished,
	// failed, or started by someone else less than staleAfter ago.
	Claim(ctx context.Context, messageID, handler string, payload json.RawMessage, ttl, staleAfter time.Duration) (Claim, error)
	Complete(ctx context.Context, messageID, handler string, status Status, result json.RawMessage) error
	Cleanup(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*InboxStats, error)
}

// InboxStats counts entries by status
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Duplicate is set when the message had already finished; fn did not run
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once to completion per (messageID, handler).
// A failed run is left RECOVERABLE for redelivery unless fn returned an error
// wrapped with Terminal, which parks the message as FAILED.
func (i *Inbox) Process(ctx context.Context, messageID, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("message_id", messageID),
			attribute.String("handler", handler),
		))
	defer span.End()

	claim, err := i.store.Claim(ctx, messageID, handler, payload, i.config.DefaultTTL, i.config.RecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}

	if !claim.Acquired {
		switch claim.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: claim.Result}, nil
		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, messageID)
		default:
			return nil, ErrMessageInProgress
		}
	}
	if claim.Recovered {
		span.SetAttributes(attribute.Bool("recovered", true))
		i.logger.Info("reprocessing inbox entry",
			zap.String("message_id", messageID),
			zap.String("handler", handler))
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Complete(ctx, messageID, handler, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("message_id", messageID), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Complete(ctx, messageID, handler, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery would be reported as in progress
		// until the entry goes stale and is re-run
		i.logger.Error("failed to mark finished", zap.String("message_id", messageID), zap.Error(err))
	}

	return &ProcessResult{WasRecovered: claim.Recovered, Result: result}, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup. It must only be called after StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			deleted, err := i.store.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted))
			}
		}
	}
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*InboxStats, error) {
	return i.store.Stats(ctx)
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as not worth retrying
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err, or anything it wraps, was marked Terminal
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
