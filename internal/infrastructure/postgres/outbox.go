// Package postgres provides PostgreSQL infrastructure components.
// Implements the transactional outbox for regimen events: rows are written in
// the event-store transaction and relayed to Redpanda by a separate process.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry represents an event waiting to be relayed
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries claimed per transaction
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// StatsInterval is how often OnStats is called; zero disables it
	StatsInterval time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		StatsInterval:   15 * time.Second,
	}
}

// Publisher delivers a relayed entry
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay moves outbox rows to the message broker
type Relay struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	// OnStats receives periodic outbox statistics
	OnStats func(OutboxStats)
}

// NewRelay creates a relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
	}
}

// WriteEntry writes an outbox entry within a transaction.
// Call it in the same transaction as the domain write.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Run relays batches until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()

	var statsC <-chan time.Time
	if r.OnStats != nil && r.config.StatsInterval > 0 {
		stats := time.NewTicker(r.config.StatsInterval)
		defer stats.Stop()
		statsC = stats.C
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-poll.C:
			// drain while full batches keep coming back
			for {
				n, err := r.RelayBatch(ctx)
				if err != nil {
					r.logger.Error("outbox batch failed", zap.Error(err))
					break
				}
				if n < r.config.BatchSize {
					break
				}
			}
		case <-statsC:
			stats, err := r.Stats(ctx)
			if err != nil {
				r.logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			r.OnStats(*stats)
		}
	}
}

// RelayBatch claims up to BatchSize pending entries, publishes them and
// records the outcome, all in one transaction. Concurrent relays skip rows
// already claimed. It returns the number of entries delivered.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := r.claim(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	delivered := 0
	for _, entry := range entries {
		var ok bool
		if entry.RetryCount >= r.config.MaxRetries {
			ok, err = r.deadLetter(ctx, tx, entry)
		} else {
			ok, err = r.relay(ctx, tx, entry)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, err
		}
		if ok {
			delivered++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	span.SetAttributes(attribute.Int("delivered", delivered))
	return delivered, nil
}

func (r *Relay) claim(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// relay publishes one entry. A publish failure is recorded on the row and
// does not fail the batch.
func (r *Relay) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Int("retry_count", entry.RetryCount+1),
			zap.Error(err))

		_, updateErr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID)
		if updateErr != nil {
			return false, fmt.Errorf("record failure of entry %d: %w", entry.ID, updateErr)
		}
		return false, nil
	}

	return true, markProcessed(ctx, tx, entry.ID)
}

// DeadLetter is the envelope published for entries that exhausted retries
type DeadLetter struct {
	OutboxID      int64           `json:"outbox_id"`
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newDeadLetter(entry *OutboxEntry) DeadLetter {
	dl := DeadLetter{
		OutboxID:      entry.ID,
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		CreatedAt:     entry.CreatedAt,
	}
	if entry.LastError != nil {
		dl.LastError = *entry.LastError
	}
	return dl
}

func (r *Relay) deadLetter(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	payload, err := json.Marshal(newDeadLetter(entry))
	if err != nil {
		return false, fmt.Errorf("encode dead letter %d: %w", entry.ID, err)
	}
	if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, entry.KafkaKey, payload); err != nil {
		// left pending; retried on the next pass
		r.logger.Error("dead letter publish failed", zap.Int64("id", entry.ID), zap.Error(err))
		return false, nil
	}

	r.logger.Warn("outbox entry dead-lettered",
		zap.Int64("id", entry.ID),
		zap.String("aggregate_id", entry.AggregateID),
		zap.String("event_type", entry.EventType),
		zap.Int("retry_count", entry.RetryCount))
	return true, markProcessed(ctx, tx, entry.ID)
}

func markProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark entry %d processed: %w", id, err)
	}
	return nil
}

// CleanupProcessed removes processed entries older than olderThan
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes the outbox backlog
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`).Scan(&stats.Pending, &stats.Retrying, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
