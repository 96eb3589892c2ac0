// Package repository persists the session history journal.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hicat-tech/livera-bridge/internal/model"
)

// HistoryRepository provides data access for session history records.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Create inserts a record for a newly opened session.
func (r *HistoryRepository) Create(ctx context.Context, record *model.SessionRecord) error {
	query := `
		INSERT INTO session_history (id, remote_addr, status, bytes_received, bytes_sent, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.RemoteAddr,
		record.Status,
		record.BytesReceived,
		record.BytesSent,
		record.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// Close marks a session closed with its final counters.
func (r *HistoryRepository) Close(ctx context.Context, id string, disconnectedAt time.Time, received, sent uint64, reason string) error {
	query := `
		UPDATE session_history
		SET status = ?, bytes_received = ?, bytes_sent = ?, close_reason = ?, disconnected_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusClosed, received, sent, reason, disconnectedAt, id)
	if err != nil {
		return fmt.Errorf("failed to close session record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// GetByID retrieves one record.
func (r *HistoryRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `
		SELECT id, remote_addr, status, bytes_received, bytes_sent, close_reason, connected_at, disconnected_at
		FROM session_history
		WHERE id = ?
	`

	record, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return record, nil
}

// List returns up to limit records, most recent first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `
		SELECT id, remote_addr, status, bytes_received, bytes_sent, close_reason, connected_at, disconnected_at
		FROM session_history
		ORDER BY connected_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	record := &model.SessionRecord{}
	var closeReason sql.NullString
	var disconnectedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.RemoteAddr,
		&record.Status,
		&record.BytesReceived,
		&record.BytesSent,
		&closeReason,
		&record.ConnectedAt,
		&disconnectedAt,
	)
	if err != nil {
		return nil, err
	}

	if closeReason.Valid {
		record.CloseReason = closeReason.String
	}
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		record.DisconnectedAt = &t
	}
	return record, nil
}
