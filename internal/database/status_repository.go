package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.callstream.pipeline/internal/models"
)

// ErrStatusNotFound is returned when a CDC mode row does not exist.
var ErrStatusNotFound = errors.New("cdc status row not found")

// StatusRepository manages the per-mode rows of the CDC processing status
// table. Writers are last-write-wins per mode.
type StatusRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewStatusRepository creates a new StatusRepository.
func NewStatusRepository(pool *pgxpool.Pool, log *logrus.Logger) *StatusRepository {
	return &StatusRepository{
		pool: pool,
		log:  log,
	}
}

// EnsureRow creates the mode row if it is missing. Existing rows are left
// untouched so restarts never rewind the watermark.
func (r *StatusRepository) EnsureRow(ctx context.Context, tableName string, seed time.Time, enabled bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cdc_processing_status (table_name, last_processed_timestamp, total_processed, enabled, last_updated)
		VALUES ($1, $2, 0, $3, now())
		ON CONFLICT (table_name) DO NOTHING
	`, tableName, seed, enabled)
	if err != nil {
		return fmt.Errorf("failed to ensure status row %s: %w", tableName, err)
	}
	return nil
}

// Get returns the status row for a mode.
func (r *StatusRepository) Get(ctx context.Context, tableName string) (*models.CDCStatus, error) {
	status := &models.CDCStatus{}
	err := r.pool.QueryRow(ctx, `
		SELECT table_name, last_processed_timestamp, total_processed, enabled, last_updated
		FROM cdc_processing_status
		WHERE table_name = $1
	`, tableName).Scan(
		&status.TableName,
		&status.LastProcessedTimestamp,
		&status.TotalProcessed,
		&status.Enabled,
		&status.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, tableName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status row %s: %w", tableName, err)
	}
	return status, nil
}

// Advance moves the watermark forward and adds to the processed total.
func (r *StatusRepository) Advance(ctx context.Context, tableName string, watermark time.Time, processed int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE cdc_processing_status
		SET last_processed_timestamp = $2,
		    total_processed = total_processed + $3,
		    last_updated = now()
		WHERE table_name = $1
	`, tableName, watermark, processed)
	if err != nil {
		return fmt.Errorf("failed to advance status row %s: %w", tableName, err)
	}
	return nil
}

// SetEnabled flips the mode switch. Historical mode uses it to disable
// itself after draining.
func (r *StatusRepository) SetEnabled(ctx context.Context, tableName string, enabled bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE cdc_processing_status
		SET enabled = $2, last_updated = now()
		WHERE table_name = $1
	`, tableName, enabled)
	if err != nil {
		return fmt.Errorf("failed to set enabled on status row %s: %w", tableName, err)
	}
	r.log.WithFields(logrus.Fields{"mode": tableName, "enabled": enabled}).Info("CDC mode switched")
	return nil
}
