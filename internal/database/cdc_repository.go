package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.callstream.pipeline/internal/models"
)

// CDCRepository reads row changes from the source tables and advances the
// change log.
type CDCRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewCDCRepository creates a new CDCRepository.
func NewCDCRepository(pool *pgxpool.Pool, log *logrus.Logger) *CDCRepository {
	return &CDCRepository{
		pool: pool,
		log:  log,
	}
}

// FetchUnprocessedChanges returns unprocessed change log rows newer than
// since, oldest first. DELETE rows carry no row image; their optional
// columns come back empty.
func (r *CDCRepository) FetchUnprocessedChanges(ctx context.Context, since time.Time, limit int) ([]*models.ChangeEvent, error) {
	query := `
		SELECT change_id, call_id, change_type, change_timestamp,
		       ban, subscriber_no, owner, text, text_time, call_time
		FROM verint_change_log
		WHERE processed = 0 AND change_timestamp > $1
		ORDER BY change_timestamp, change_id
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed changes: %w", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		e := &models.ChangeEvent{}
		var ban, subscriberNo, owner, text *string
		var textTime, callTime *time.Time

		if err := rows.Scan(
			&e.ChangeLogID, &e.CallID, &e.ChangeType, &e.ChangeTimestamp,
			&ban, &subscriberNo, &owner, &text, &textTime, &callTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}

		if ban != nil {
			e.BAN = *ban
		}
		if subscriberNo != nil {
			e.SubscriberNo = *subscriberNo
		}
		if owner != nil {
			e.Owner = *owner
		}
		if text != nil {
			e.Text = *text
		}
		if textTime != nil {
			e.TextTime = *textTime
		}
		if callTime != nil {
			e.CallTime = *callTime
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}
	return events, nil
}

// MarkChangesProcessed flips the processed flag for the given change log
// rows. Called only after the batch was published.
func (r *CDCRepository) MarkChangesProcessed(ctx context.Context, changeIDs []int64) (int64, error) {
	if len(changeIDs) == 0 {
		return 0, nil
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE verint_change_log SET processed = 1 WHERE change_id = ANY($1)`,
		changeIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark changes processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FetchHistoricalRows returns text rows in the window (after, until], oldest
// first. Historical replay synthesizes INSERT events from the raw text
// table; the change log is never touched.
func (r *CDCRepository) FetchHistoricalRows(ctx context.Context, after, until time.Time, limit int) ([]*models.ChangeEvent, error) {
	query := `
		SELECT call_id, ban, subscriber_no, owner, text, text_time, call_time
		FROM verint_text_analysis
		WHERE text_time > $1 AND text_time <= $2
		ORDER BY text_time
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, after, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch historical rows: %w", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		e := &models.ChangeEvent{ChangeType: models.ChangeTypeInsert}
		var ban, subscriberNo, owner, text *string
		var callTime *time.Time

		if err := rows.Scan(&e.CallID, &ban, &subscriberNo, &owner, &text, &e.TextTime, &callTime); err != nil {
			return nil, fmt.Errorf("failed to scan historical row: %w", err)
		}

		if ban != nil {
			e.BAN = *ban
		}
		if subscriberNo != nil {
			e.SubscriberNo = *subscriberNo
		}
		if owner != nil {
			e.Owner = *owner
		}
		if text != nil {
			e.Text = *text
		}
		if callTime != nil {
			e.CallTime = *callTime
		}

		// The text table has no change log entry; the text timestamp is a
		// stable stand-in identity so re-polls dedupe downstream.
		e.ChangeLogID = e.TextTime.UnixMilli()
		e.ChangeTimestamp = e.TextTime
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read historical rows: %w", err)
	}
	return events, nil
}

// CountCallMessages returns how many utterances the source table holds for
// a call. The assembler compares this against its buffer to detect a fully
// captured conversation.
func (r *CDCRepository) CountCallMessages(ctx context.Context, callID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM verint_text_analysis WHERE call_id = $1`,
		callID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for call %s: %w", callID, err)
	}
	return count, nil
}

// GetCallTranscript returns the stored utterances of one call ordered by
// text time. The row id stands in for the message identity; it is unique
// and stable, which is all the buffer rebuild and the operational endpoints
// need.
func (r *CDCRepository) GetCallTranscript(ctx context.Context, callID string) ([]*models.ConversationMessage, error) {
	query := `
		SELECT id, call_id, owner, text, text_time
		FROM verint_text_analysis
		WHERE call_id = $1
		ORDER BY text_time, id
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transcript for call %s: %w", callID, err)
	}
	defer rows.Close()

	var messages []*models.ConversationMessage
	for rows.Next() {
		var owner, text *string
		m := &models.ConversationMessage{}
		if err := rows.Scan(&m.ChangeLogID, &m.CallID, &owner, &text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		if owner != nil {
			m.Owner = *owner
		}
		if text != nil {
			m.Text = *text
		}
		ev := models.ChangeEvent{Owner: m.Owner}
		m.Speaker = ev.Speaker()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript rows: %w", err)
	}
	return messages, nil
}
