package controlplane

import (
	"context"
	"strings"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

type stepError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// CreateStepRun persists a PENDING step run and links it to its run.
func (r *Registry) CreateStepRun(ctx context.Context, req CreateStepRunRequest) (*StepRun, error) {
	if strings.TrimSpace(req.StepID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "step id is required")
	}
	unlock := r.lockRun(req.RunID)
	defer unlock()

	run, err := r.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	sr := &StepRun{
		ID:        r.newID(),
		RunID:     req.RunID,
		StepID:    req.StepID,
		StepIndex: req.StepIndex,
		ToolRef:   req.ToolRef,
		AgentID:   req.AgentID,
		Status:    schema.StepStatusPending,
		DependsOn: append([]string(nil), req.DependsOn...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	prefix := r.layout.StepPath(req.RunID, sr.ID)

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	sr.InputRef = store.Key(prefix, store.InputFile)
	if err := r.putJSON(ctx, sr.InputRef, inputs); err != nil {
		return nil, err
	}
	if err := r.putJSON(ctx, store.Key(prefix, store.StepFile), sr); err != nil {
		return nil, err
	}

	run.StepRunIDs = append(run.StepRunIDs, sr.ID)
	run.UpdatedAt = now
	if err := r.putJSON(ctx, store.Key(r.layout.RunPath(run.ID), store.RunFile), run); err != nil {
		return nil, err
	}

	ctx = logging.WithStepID(logging.WithRunID(ctx, run.ID), sr.StepID)
	logging.LogWith(ctx, r.logger).Debug("step run created", "tool", sr.ToolRef)
	r.emit(ctx, streaming.Event{
		Type:        schema.EventStepCreated,
		ExecutionID: run.ExecutionID,
		RunID:       run.ID,
		StepID:      sr.StepID,
		Payload:     map[string]any{"step_run_id": sr.ID, "tool": sr.ToolRef},
	})
	return sr, nil
}

// GetStepRun loads a step run of runID.
func (r *Registry) GetStepRun(ctx context.Context, runID, stepRunID string) (*StepRun, error) {
	var sr StepRun
	err := r.getJSON(ctx, store.Key(r.layout.StepPath(runID, stepRunID), store.StepFile), &sr)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step run %q of run %q not found", stepRunID, runID)
	}
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// ListStepRuns returns the step runs of a run in creation order.
func (r *Registry) ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*StepRun, 0, len(run.StepRunIDs))
	for _, id := range run.StepRunIDs {
		sr, err := r.GetStepRun(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

// GetStepRunOutputs returns the outputs of a step run, empty when none were written.
func (r *Registry) GetStepRunOutputs(ctx context.Context, runID, stepRunID string) (map[string]any, error) {
	m, err := r.readMap(ctx, store.Key(r.layout.StepPath(runID, stepRunID), store.OutputFile))
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return map[string]any{}, nil
	}
	return m, err
}

// UpdateStepRunStatus applies upd to a step run. An error message is also
// written to the step's error.json.
func (r *Registry) UpdateStepRunStatus(ctx context.Context, runID, stepRunID string, upd StepStatusUpdate) (*StepRun, error) {
	if !upd.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid step status %q", upd.Status)
	}
	unlock := r.lockRun(runID)
	defer unlock()

	sr, err := r.GetStepRun(ctx, runID, stepRunID)
	if err != nil {
		return nil, err
	}
	prev := sr.Status
	now := r.now()
	prefix := r.layout.StepPath(runID, stepRunID)

	if upd.Inputs != nil {
		if err := r.putJSON(ctx, sr.InputRef, upd.Inputs); err != nil {
			return nil, err
		}
	}
	if upd.Outputs != nil {
		sr.OutputRef = store.Key(prefix, store.OutputFile)
		if err := r.putJSON(ctx, sr.OutputRef, upd.Outputs); err != nil {
			return nil, err
		}
	}
	if upd.ErrorMessage != "" {
		sr.ErrorRef = store.Key(prefix, store.ErrorFile)
		sr.ErrorCode = upd.ErrorCode
		sr.ErrorMessage = upd.ErrorMessage
		if err := r.putJSON(ctx, sr.ErrorRef, stepError{Code: upd.ErrorCode, Message: upd.ErrorMessage}); err != nil {
			return nil, err
		}
	}

	sr.Status = upd.Status
	sr.UpdatedAt = now
	if upd.Status == schema.StepStatusRunning && sr.StartedAt == nil {
		sr.StartedAt = timePtr(now)
	}
	if upd.Status.IsTerminal() {
		if sr.EndedAt == nil {
			sr.EndedAt = timePtr(now)
		}
	} else {
		sr.EndedAt = nil
	}
	if err := r.putJSON(ctx, store.Key(prefix, store.StepFile), sr); err != nil {
		return nil, err
	}

	ctx = logging.WithStepID(logging.WithRunID(ctx, runID), sr.StepID)
	logging.LogWith(ctx, r.logger).Debug("step status changed", "from", prev, "to", sr.Status)
	r.emit(ctx, streaming.Event{
		Type:    schema.EventStepStatusChange,
		RunID:   runID,
		StepID:  sr.StepID,
		Payload: map[string]any{"step_run_id": sr.ID, "from": prev, "to": sr.Status},
	})
	if sr.Status == schema.StepStatusFailed {
		r.audit(ctx, AuditEntry{
			Action:       ActionStepStatusChanged,
			Status:       AuditFailure,
			RunID:        runID,
			ResourceType: "step_run",
			ResourceID:   sr.ID,
			Details:      map[string]any{"step_id": sr.StepID, "error_code": sr.ErrorCode, "error": sr.ErrorMessage},
		})
	}
	return sr, nil
}
