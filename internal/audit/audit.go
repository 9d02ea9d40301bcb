package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tessera.org/internal/obs"
)

// Entry is one security-relevant event. Persistence beyond the sink
// interface is owned by the storage layer; this package only defines the
// write surface and a log-backed implementation.
type Entry struct {
	ActorID      string
	TenantID     string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	OccurredAt   time.Time
}

// Sink accepts audit entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// NopSink discards every entry.
type NopSink struct{}

func (NopSink) Append(context.Context, Entry) error { return nil }

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so sinks
// can correlate entries with the request log.
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

// LogSink emits entries as structured JSON lines through the shared
// service logger.
type LogSink struct{}

// Append writes the entry to the log. The entry action is required.
func (LogSink) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: action is required")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	line := map[string]any{
		"ts":     entry.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"action": entry.Action,
	}
	if entry.ActorID != "" {
		line["actor_id"] = entry.ActorID
	}
	if entry.TenantID != "" {
		line["tenant_id"] = entry.TenantID
	}
	if entry.ResourceType != "" {
		line["resource_type"] = entry.ResourceType
	}
	if entry.ResourceID != "" {
		line["resource_id"] = entry.ResourceID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if len(entry.Details) > 0 {
		details := make(map[string]any, len(entry.Details))
		for k, v := range entry.Details {
			details[k] = v
		}
		line["details"] = details
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
