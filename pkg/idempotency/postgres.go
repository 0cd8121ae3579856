package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Claim inserts a STARTED entry or takes over a recoverable or stale one.
// attempts > 1 on the returned row means the entry was taken over.
func (s *PostgresStore) Claim(ctx context.Context, messageID, handler string, payload json.RawMessage, ttl, staleAfter time.Duration) (Claim, error) {
	query := `
		INSERT INTO inbox (message_id, handler_name, status, payload, attempts, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (message_id, handler_name) DO UPDATE
		SET status = $3, attempts = inbox.attempts + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $6))
		RETURNING attempts
	`

	var attempts int
	err := s.pool.QueryRow(ctx, query, messageID, handler, StatusStarted, payload,
		time.Now().Add(ttl), staleAfter.Seconds()).Scan(&attempts)
	if err == nil {
		return Claim{Acquired: true, Recovered: attempts > 1}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, err
	}

	// conflict on an entry we may not take over
	var claim Claim
	err = s.pool.QueryRow(ctx,
		`SELECT status, result FROM inbox WHERE message_id = $1 AND handler_name = $2`,
		messageID, handler).Scan(&claim.Status, &claim.Result)
	if err != nil {
		return Claim{}, fmt.Errorf("read inbox entry: %w", err)
	}
	return claim, nil
}

// Complete records the final status of a run
func (s *PostgresStore) Complete(ctx context.Context, messageID, handler string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $3, result = $4, updated_at = NOW()
		WHERE message_id = $1 AND handler_name = $2
	`
	_, err := s.pool.Exec(ctx, query, messageID, handler, status, result)
	return err
}

// Cleanup removes expired entries
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Stats counts entries by status
func (s *PostgresStore) Stats(ctx context.Context) (*InboxStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE status = 'STARTED') as started,
			COUNT(*) FILTER (WHERE status = 'FINISHED') as finished,
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE') as recoverable,
			COUNT(*) FILTER (WHERE status = 'FAILED') as failed
		FROM inbox
	`

	stats := &InboxStats{}
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

var _ Store = (*PostgresStore)(nil)
