package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit statuses.
const (
	AuditSent    = "sent"
	AuditDropped = "dropped"
)

// AuditEvent is one line of the hit audit trail.
type AuditEvent struct {
	Type       string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	TrackingID string         `json:"tracking_id,omitempty"`
	HitType    string         `json:"hit_type"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// AuditLogger writes the hit audit trail as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process-wide audit logger. It discards events
// until InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger appends the audit trail to path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// CloseAuditLogger closes the audit file and goes back to discarding.
func CloseAuditLogger() error {
	auditMu.Lock()
	a := auditInst
	auditInst = &AuditLogger{logger: zerolog.Nop()}
	auditMu.Unlock()
	return a.Close()
}

// Record writes event and, when ctx carries a span, adds it as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("hit."+event.Status, trace.WithAttributes(
			attribute.String("hit.type", event.HitType),
			attribute.String("audit.reason", event.Reason),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("tracking_id", event.TrackingID).
		Str("hit_type", event.HitType).
		Str("status", event.Status)
	if event.Reason != "" {
		entry.Str("reason", event.Reason)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if !event.Timestamp.IsZero() {
		entry.Time("hit_time", event.Timestamp)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

// RecordHitAudit records the outcome of one send.
func RecordHitAudit(ctx context.Context, trackingID, hitType, status, reason string, at time.Time, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:       "hit",
		Timestamp:  at,
		TrackingID: trackingID,
		HitType:    hitType,
		Status:     status,
		Reason:     reason,
		Metadata:   metadata,
	})
}
