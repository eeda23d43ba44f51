package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
)

// AuditRepository records tool-call dispatch outcomes in ClickHouse
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one audit event
func (r *AuditRepository) Record(ctx context.Context, event *models.AuditEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO audit_events (event_time, user_id, chat_id, tool, stage, status, ref_id, detail)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit batch: %w", err)
	}

	if err := batch.Append(
		event.EventTime,
		strings.ToLower(event.UserID),
		event.ChatID,
		event.Tool,
		event.Stage,
		event.Status,
		event.RefID,
		event.Detail,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit event: %w", err)
	}
	return nil
}

// ListByUser returns the newest events of a user first
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT event_time, user_id, chat_id, tool, stage, status, ref_id, detail
		FROM audit_events
		WHERE user_id = ?
		ORDER BY event_time DESC
		LIMIT ?
	`, strings.ToLower(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.EventTime, &e.UserID, &e.ChatID, &e.Tool, &e.Stage, &e.Status, &e.RefID, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}
