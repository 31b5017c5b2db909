package runtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/tools"
	"github.com/rendis/playbook/pkg/schema"
)

// StepRunner is the step pipeline shared by every runtime: record the step,
// adapt its parameters, dispatch the tool, record the outcome and meter usage.
type StepRunner struct {
	registry *controlplane.Registry
	adapter  *adapter.Adapter
	tools    *tools.Registry
	breakers *Breakers
	logger   *slog.Logger
}

// StepRunnerOption configures a StepRunner.
type StepRunnerOption func(*StepRunner)

// WithBreakers guards tool dispatch with circuit breakers.
func WithBreakers(b *Breakers) StepRunnerOption {
	return func(s *StepRunner) { s.breakers = b }
}

// WithStepLogger sets the logger.
func WithStepLogger(l *slog.Logger) StepRunnerOption {
	return func(s *StepRunner) { s.logger = l }
}

// NewStepRunner wires the pipeline.
func NewStepRunner(reg *controlplane.Registry, ad *adapter.Adapter, tr *tools.Registry, opts ...StepRunnerOption) *StepRunner {
	s := &StepRunner{registry: reg, adapter: ad, tools: tr}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Registry returns the control plane the runner records into.
func (s *StepRunner) Registry() *controlplane.Registry { return s.registry }

// Run executes one step of run, applying renames after the adapter's own.
// Step failures are reported in the outcome; the error is non-nil only when
// the step could not be recorded.
func (s *StepRunner) Run(ctx context.Context, run *controlplane.Run, ec schema.ExecutionContext, step schema.StepSpec, index int, renames ...adapter.Rename) (StepOutcome, error) {
	ctx = logging.WithStepID(logging.WithRunID(ctx, run.ID), step.ID)
	if step.Agent != "" {
		ctx = logging.WithAgentID(ctx, step.Agent)
	}
	log := logging.LogWith(ctx, s.logger)

	out := StepOutcome{StepID: step.ID, AgentID: step.Agent, Tool: step.Tool}

	sr, err := s.registry.CreateStepRun(ctx, controlplane.CreateStepRunRequest{
		RunID:     run.ID,
		StepID:    step.ID,
		StepIndex: index,
		ToolRef:   step.Tool,
		AgentID:   step.Agent,
		Inputs:    step.Params,
		DependsOn: step.DependsOn,
	})
	if err != nil {
		return out, err
	}
	out.StepRunID = sr.ID

	params, err := s.adapter.Adapt(ctx, step.Tool, step.Params, ec, renames...)
	if err != nil {
		log.Warn("parameter adaptation failed", "tool", step.Tool, "error", err)
		return s.fail(ctx, run.ID, out, asPlaybookError(err, schema.ErrCodeAdaptation))
	}

	if _, err := s.registry.UpdateStepRunStatus(ctx, run.ID, sr.ID, controlplane.StepStatusUpdate{
		Status: schema.StepStatusRunning,
		Inputs: params,
	}); err != nil {
		return out, err
	}

	tool, err := s.tools.Get(step.Tool)
	if err != nil {
		return s.fail(ctx, run.ID, out, asPlaybookError(err, schema.ErrCodeToolUnavailable))
	}
	if s.breakers != nil {
		if err := s.breakers.Allow(step.Tool); err != nil {
			return s.fail(ctx, run.ID, out, asPlaybookError(err, schema.ErrCodeToolUnavailable))
		}
	}

	res, err := tool.Execute(ctx, tools.Call{Params: params, Context: ec, RunID: run.ID, StepID: step.ID})
	out.ToolCalled = true
	// The outcome is recorded even when ctx was cancelled during the call.
	rec := context.WithoutCancel(ctx)
	if err != nil {
		if s.breakers != nil {
			s.breakers.Failure(step.Tool)
		}
		code := schema.ErrCodeExecution
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeCancelled
		}
		log.Warn("tool failed", "tool", step.Tool, "error", err)
		return s.fail(rec, run.ID, out, asPlaybookError(err, code))
	}
	if s.breakers != nil {
		s.breakers.Success(step.Tool)
	}

	var output map[string]any
	if res != nil {
		output = res.Output
	}
	if output == nil {
		output = map[string]any{}
	}
	if _, err := s.registry.UpdateStepRunStatus(rec, run.ID, sr.ID, controlplane.StepStatusUpdate{
		Status:  schema.StepStatusCompleted,
		Outputs: output,
	}); err != nil {
		return out, err
	}
	out.Status = schema.StepStatusCompleted
	out.Output = output

	if res != nil && res.Usage != nil {
		s.meter(rec, run, sr.ID, res.Usage)
	}
	log.Debug("step completed", "tool", step.Tool)
	return out, nil
}

func (s *StepRunner) fail(ctx context.Context, runID string, out StepOutcome, perr *schema.PlaybookError) (StepOutcome, error) {
	perr = perr.WithStep(out.StepID)
	if _, err := s.registry.UpdateStepRunStatus(ctx, runID, out.StepRunID, controlplane.StepStatusUpdate{
		Status:       schema.StepStatusFailed,
		ErrorCode:    perr.Code,
		ErrorMessage: perr.Message,
	}); err != nil {
		return out, err
	}
	out.Status = schema.StepStatusFailed
	out.Error = perr
	return out, nil
}

// meter records tool usage; failures are logged only.
func (s *StepRunner) meter(ctx context.Context, run *controlplane.Run, stepRunID string, u *tools.Usage) {
	_, err := s.registry.RecordMeteringEvent(ctx, controlplane.MeteringEvent{
		RunID:       run.ID,
		StepRunID:   stepRunID,
		TenantID:    run.TenantID,
		WorkspaceID: run.WorkspaceID,
		Provider:    u.Provider,
		Model:       u.Model,
		Quantity:    u.Quantity,
		Unit:        u.Unit,
		Cost:        u.Cost,
		Currency:    u.Currency,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("metering write failed", "provider", u.Provider, "error", err)
	}
}

// asPlaybookError keeps a PlaybookError as is and wraps anything else under code.
func asPlaybookError(err error, code string) *schema.PlaybookError {
	var perr *schema.PlaybookError
	if errors.As(err, &perr) {
		return perr
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
