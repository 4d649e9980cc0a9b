package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callkit/internal/domain"
)

// CallRepository persists call history rows written by the finalizer
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts the row for a freshly initiated call
func (r *CallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		record.CallID,
		record.ConversationID,
		record.CallerID,
		record.Mode,
		record.Status,
		record.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	return nil
}

// Finalize writes the terminal status, end timestamp and duration. The
// duration is computed by the coordinator, not the database: it is zero
// unless the call actually connected.
func (r *CallRepository) Finalize(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds int) error {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = $3,
		    duration = $4
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, status, endedAt, durationSeconds)
	if err != nil {
		return fmt.Errorf("failed to finalize call record: %w", err)
	}

	return nil
}

// GetByID retrieves a call record by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, call_type, status,
		       started_at, ended_at, duration
		FROM calls
		WHERE call_id = $1
	`

	record := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&record.CallID,
		&record.ConversationID,
		&record.CallerID,
		&record.Mode,
		&record.Status,
		&record.StartedAt,
		&record.EndedAt,
		&record.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("call record not found")
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	return record, nil
}

// CallsForUser retrieves call history for a user, newest first
func (r *CallRepository) CallsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if limit == 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT call_id, conversation_id, caller_id, call_type, status,
		       started_at, ended_at, duration
		FROM calls
		WHERE caller_id = $1
		   OR conversation_id IN (
		        SELECT conversation_id FROM conversation_participants WHERE user_id = $1
		   )
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		err := rows.Scan(
			&record.CallID,
			&record.ConversationID,
			&record.CallerID,
			&record.Mode,
			&record.Status,
			&record.StartedAt,
			&record.EndedAt,
			&record.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call records: %w", err)
	}

	return records, nil
}
