package controlplane

import (
	"context"
	"encoding/json"
	"path"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

func (r *Registry) meteringKey() string {
	return path.Join(r.layout.LogsPath(), store.MeteringLogFile)
}

func (r *Registry) auditKey() string {
	return path.Join(r.layout.LogsPath(), store.AuditLogFile)
}

func (r *Registry) appendJSON(ctx context.Context, key string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode %q entry", key).WithCause(err)
	}
	return r.store.Append(ctx, key, line)
}

// RecordMeteringEvent appends ev to the metering log, assigning an ID and
// timestamp when missing.
func (r *Registry) RecordMeteringEvent(ctx context.Context, ev MeteringEvent) (*MeteringEvent, error) {
	if ev.Provider == "" || ev.Unit == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "metering event needs provider and unit")
	}
	if ev.ID == "" {
		ev.ID = r.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if err := r.appendJSON(ctx, r.meteringKey(), ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// QueryMetering returns matching events newest first.
func (r *Registry) QueryMetering(ctx context.Context, f MeteringFilter) ([]MeteringEvent, error) {
	lines, err := r.store.ReadLines(ctx, r.meteringKey())
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(f.Limit)
	var out []MeteringEvent
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var ev MeteringEvent
		if err := json.Unmarshal(lines[i], &ev); err != nil {
			logging.LogWith(ctx, r.logger).Warn("skipping corrupt metering line", "error", err)
			continue
		}
		if (f.RunID == "" || ev.RunID == f.RunID) &&
			(f.TenantID == "" || ev.TenantID == f.TenantID) &&
			(f.WorkspaceID == "" || ev.WorkspaceID == f.WorkspaceID) &&
			(f.Provider == "" || ev.Provider == f.Provider) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LogAudit appends e to the audit log and notifies the sink.
func (r *Registry) LogAudit(ctx context.Context, e AuditEntry) (*AuditEntry, error) {
	if e.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "audit entry needs an action")
	}
	if e.Status == "" {
		e.Status = AuditSuccess
	}
	if e.ID == "" {
		e.ID = r.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	if err := r.appendJSON(ctx, r.auditKey(), e); err != nil {
		return nil, err
	}
	r.emit(ctx, streaming.Event{
		Type:      schema.EventAuditLogged,
		RunID:     e.RunID,
		Payload:   e,
		Timestamp: e.Timestamp,
	})
	return &e, nil
}

// QueryAudit returns matching entries newest first.
func (r *Registry) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	lines, err := r.store.ReadLines(ctx, r.auditKey())
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(f.Limit)
	var out []AuditEntry
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var e AuditEntry
		if err := json.Unmarshal(lines[i], &e); err != nil {
			logging.LogWith(ctx, r.logger).Warn("skipping corrupt audit line", "error", err)
			continue
		}
		if (f.ActorID == "" || e.ActorID == f.ActorID) &&
			(f.Action == "" || e.Action == f.Action) &&
			(f.Status == "" || e.Status == f.Status) &&
			(f.RunID == "" || e.RunID == f.RunID) {
			out = append(out, e)
		}
	}
	return out, nil
}
