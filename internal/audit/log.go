package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/ids"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Log records audit events to a Store and mirrors them as JSON log lines.
// A nil *Log discards events.
type Log struct {
	store Store
	now   func() time.Time
}

// NewLog wraps store. now may be nil.
func NewLog(store Store, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{store: store, now: now}
}

// Record fills id, timestamp, request id and actor, then appends the event.
// Storage failures are logged and counted; they never fail the audited operation.
func (l *Log) Record(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(ctx)
	}
	if e.Actor == "" {
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			e.Actor = userID
		}
	}
	if err := e.Validate(); err != nil {
		obs.AuditAppendFailures.Inc()
		obs.Error("audit_event_rejected", map[string]any{"action": e.Action, "error": err.Error()})
		return
	}
	if l.store != nil {
		if err := l.store.Append(ctx, e); err != nil {
			obs.AuditAppendFailures.Inc()
			obs.Error("audit_append_failed", map[string]any{"action": e.Action, "event_id": e.ID, "error": err.Error()})
		}
	}
	_ = LogEvent(e)
}

// LogEvent writes one type=audit JSON line.
func LogEvent(e Event) error {
	entry := map[string]any{
		"ts":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e.Action,
		"fields": map[string]any{
			"id":            e.ID,
			"resource_type": e.ResourceType,
			"resource_id":   e.ResourceID,
			"outcome":       e.Outcome,
			"reason":        e.Reason,
		},
	}
	if e.RequestID != "" {
		entry["request_id"] = e.RequestID
	}
	if e.Actor != "" {
		entry["actor"] = e.Actor
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
