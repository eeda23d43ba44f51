package service

import (
	"context"
	"time"

	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
)

// Audit outcomes
const (
	AuditOK     = "ok"
	AuditFailed = "failed"
)

// AuditRecorder interface for the tool-call audit store
type AuditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEvent, error)
}

// AuditLog writes tool-call stage outcomes. Recording is best effort: a failed
// write is logged and never fails the operation being audited. A nil recorder
// disables the log.
type AuditLog struct {
	recorder AuditRecorder
	now      func() time.Time
}

// NewAuditLog creates an audit log over recorder, which may be nil
func NewAuditLog(recorder AuditRecorder) *AuditLog {
	return &AuditLog{recorder: recorder, now: time.Now}
}

// Record stores one stage outcome
func (a *AuditLog) Record(ctx context.Context, event models.AuditEvent) {
	if a == nil || a.recorder == nil {
		return
	}
	if event.EventTime.IsZero() {
		event.EventTime = a.now()
	}
	if err := a.recorder.Record(ctx, &event); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tool":  event.Tool,
			"stage": event.Stage,
		}).Warn("Failed to record audit event")
	}
}

// List returns the user's most recent audit events
func (a *AuditLog) List(ctx context.Context, userID string, limit int) ([]*models.AuditEvent, error) {
	if a == nil || a.recorder == nil {
		return []*models.AuditEvent{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return a.recorder.ListByUser(ctx, userID, limit)
}
