package controlplane

import (
	"context"
	"strings"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// CreateRun persists a PENDING run with its input snapshot.
func (r *Registry) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	if strings.TrimSpace(req.PlaybookCode) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook code is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "create run cancelled").WithCause(err)
	}

	now := r.now()
	ec := req.Context
	run := &Run{
		ID:           r.newID(),
		PlaybookCode: req.PlaybookCode,
		ExecutionID:  ec.ExecutionID(),
		WorkspaceID:  ec.WorkspaceID(),
		TenantID:     ec.TenantID(),
		ActorID:      ec.ActorID(),
		Status:       schema.RunStatusPending,
		ParentRunID:  req.ParentRunID,
		RuntimeName:  req.RuntimeName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	prefix := r.layout.RunPath(run.ID)

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	run.InputRef = store.Key(prefix, store.InputFile)
	if err := r.putJSON(ctx, run.InputRef, inputs); err != nil {
		return nil, err
	}
	if err := r.putJSON(ctx, store.Key(prefix, store.RunFile), run); err != nil {
		return nil, err
	}
	if err := r.runs.upsert(ctx, r.store, summarizeRun(run)); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, run.ID)
	logging.LogWith(ctx, r.logger).Info("run created", "playbook", run.PlaybookCode)
	r.emit(ctx, streaming.Event{
		Type:        schema.EventRunCreated,
		ExecutionID: run.ExecutionID,
		RunID:       run.ID,
		Payload:     map[string]any{"playbook_code": run.PlaybookCode, "status": run.Status},
	})
	r.audit(ctx, AuditEntry{
		ActorID:      run.ActorID,
		Action:       ActionRunCreated,
		Status:       AuditSuccess,
		RunID:        run.ID,
		ResourceType: "run",
		ResourceID:   run.ID,
		Details:      map[string]any{"playbook_code": run.PlaybookCode},
	})
	return run, nil
}

// GetRun loads a run or returns NOT_FOUND.
func (r *Registry) GetRun(ctx context.Context, runID string) (*Run, error) {
	if _, ok := r.runs.get(runID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	var run Run
	if err := r.getJSON(ctx, store.Key(r.layout.RunPath(runID), store.RunFile), &run); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
		}
		return nil, err
	}
	return &run, nil
}

// GetRunInputs returns the input snapshot taken at creation.
func (r *Registry) GetRunInputs(ctx context.Context, runID string) (map[string]any, error) {
	return r.readMap(ctx, store.Key(r.layout.RunPath(runID), store.InputFile))
}

// GetRunOutputs returns the latest outputs written by a status update.
// A run without outputs yields an empty map.
func (r *Registry) GetRunOutputs(ctx context.Context, runID string) (map[string]any, error) {
	m, err := r.readMap(ctx, store.Key(r.layout.RunPath(runID), store.OutputFile))
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return map[string]any{}, nil
	}
	return m, err
}

func (r *Registry) readMap(ctx context.Context, key string) (map[string]any, error) {
	var m map[string]any
	if err := r.getJSON(ctx, key, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// ListRuns returns matching runs newest first.
func (r *Registry) ListRuns(_ context.Context, filter RunFilter) []RunSummary {
	limit := limitOrDefault(filter.Limit)
	var out []RunSummary
	for _, s := range r.runs.sorted() {
		if !s.matches(filter) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// UpdateRunStatus applies upd to the run. StartedAt is stamped on the first
// transition to RUNNING; EndedAt is set exactly when the status is terminal.
func (r *Registry) UpdateRunStatus(ctx context.Context, runID string, upd RunStatusUpdate) (*Run, error) {
	if !upd.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid run status %q", upd.Status)
	}
	unlock := r.lockRun(runID)
	defer unlock()

	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	now := r.now()
	prefix := r.layout.RunPath(runID)

	if upd.Outputs != nil {
		run.OutputRef = store.Key(prefix, store.OutputFile)
		if err := r.putJSON(ctx, run.OutputRef, upd.Outputs); err != nil {
			return nil, err
		}
	}

	run.Status = upd.Status
	run.UpdatedAt = now
	if upd.Status == schema.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = timePtr(now)
	}
	if upd.Status.IsTerminal() {
		if run.EndedAt == nil {
			run.EndedAt = timePtr(now)
		}
	} else {
		run.EndedAt = nil
	}
	if upd.ErrorCode != "" || upd.ErrorMessage != "" {
		run.ErrorCode = upd.ErrorCode
		run.ErrorMessage = upd.ErrorMessage
	}
	if upd.CheckpointRef != "" {
		run.CheckpointRef = upd.CheckpointRef
	}
	if upd.RuntimeName != "" {
		run.RuntimeName = upd.RuntimeName
	}
	if upd.IncrementRetry {
		run.RetryCount++
	}

	if err := r.putJSON(ctx, store.Key(prefix, store.RunFile), run); err != nil {
		return nil, err
	}
	if err := r.runs.upsert(ctx, r.store, summarizeRun(run)); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, runID)
	logging.LogWith(ctx, r.logger).Info("run status changed", "from", prev, "to", run.Status)
	r.emit(ctx, streaming.Event{
		Type:        schema.EventRunStatusChanged,
		ExecutionID: run.ExecutionID,
		RunID:       runID,
		Payload:     map[string]any{"from": prev, "to": run.Status},
	})
	status := AuditSuccess
	if run.Status == schema.RunStatusFailed {
		status = AuditFailure
	}
	r.audit(ctx, AuditEntry{
		ActorID:      run.ActorID,
		Action:       ActionRunStatusChanged,
		Status:       status,
		RunID:        runID,
		ResourceType: "run",
		ResourceID:   runID,
		Details:      map[string]any{"from": string(prev), "to": string(run.Status)},
	})
	return run, nil
}
