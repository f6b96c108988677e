package database

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.callstream.pipeline/internal/models"
)

// Column width limits for the audit tables. Oversized values are truncated,
// never rejected: an audit row must always land.
const (
	maxErrorMessageLen = 2000
	maxPayloadLen      = 4000
)

// AuditRepository persists failed-record audit rows: the append-only error
// log and the permanent failures table.
type AuditRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool, log *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		pool: pool,
		log:  log,
	}
}

// InsertErrorLog appends one error audit row keyed by a fresh UUID.
func (r *AuditRepository) InsertErrorLog(ctx context.Context, entry *models.ErrorLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO error_log (id, topic, error_type, error_message, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.ID,
		entry.Topic,
		entry.ErrorType,
		truncate(entry.ErrorMessage, maxErrorMessageLen),
		truncate(entry.Payload, maxPayloadLen),
		entry.Attempts,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert error log row: %w", err)
	}
	return nil
}

// InsertPermanentFailure writes one permanent failure row. The caller keys
// the row by the original message identity; re-inserts of the same identity
// are ignored, so each exhausted record lands exactly once. Returns whether
// a new row was written.
func (r *AuditRepository) InsertPermanentFailure(ctx context.Context, failure *models.PermanentFailure) (bool, error) {
	if failure.ID == "" {
		failure.ID = uuid.New().String()
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO kafka_permanent_failures (id, topic, error_type, error_message, payload, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		failure.ID,
		failure.Topic,
		failure.ErrorType,
		truncate(failure.ErrorMessage, maxErrorMessageLen),
		truncate(failure.Payload, maxPayloadLen),
		failure.Attempts,
		failure.FailedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert permanent failure row: %w", err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		r.log.WithFields(logrus.Fields{
			"id":       failure.ID,
			"topic":    failure.Topic,
			"attempts": failure.Attempts,
		}).Warn("Record marked as permanent failure")
	}
	return inserted, nil
}

// RecentErrors returns the newest error log rows, newest first.
func (r *AuditRepository) RecentErrors(ctx context.Context, limit int) ([]*models.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, topic, error_type, error_message, payload, attempts, created_at
		FROM error_log
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent errors: %w", err)
	}
	defer rows.Close()

	var entries []*models.ErrorLogEntry
	for rows.Next() {
		entry := &models.ErrorLogEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.Topic, &entry.ErrorType,
			&entry.ErrorMessage, &entry.Payload, &entry.Attempts, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan error log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read error log rows: %w", err)
	}
	return entries, nil
}

// CountPermanentFailures returns the total number of permanent failures.
func (r *AuditRepository) CountPermanentFailures(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kafka_permanent_failures`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count permanent failures: %w", err)
	}
	return count, nil
}

// truncate cuts s to at most max bytes without splitting a multibyte rune,
// which Postgres would reject as invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
