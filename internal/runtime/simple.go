package runtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/pkg/schema"
)

// SimpleName is the registered name of SimpleRuntime.
const SimpleName = "simple"

// SimpleRuntime runs steps in-process, in order, with no checkpoints.
// It implements none of the optional capabilities.
type SimpleRuntime struct {
	steps *StepRunner
}

var _ Port = (*SimpleRuntime)(nil)

// NewSimpleRuntime builds a simple runtime over steps.
func NewSimpleRuntime(steps *StepRunner) *SimpleRuntime {
	return &SimpleRuntime{steps: steps}
}

func (s *SimpleRuntime) Name() string           { return SimpleName }
func (s *SimpleRuntime) Mode() Mode             { return ModeSimple }
func (s *SimpleRuntime) Capabilities() []string { return nil }

// Supports rejects profiles that need resumability or approval.
func (s *SimpleRuntime) Supports(p Profile) bool {
	return !p.NeedsResumability && !p.NeedsApproval
}

// Execute runs every step and stops at the first failure or the first step
// in.Gate refuses.
func (s *SimpleRuntime) Execute(ctx context.Context, run *controlplane.Run, ec schema.ExecutionContext, in Inputs) (*Result, error) {
	execID := ec.ExecutionID()
	if execID == "" {
		execID = uuid.NewString()
		ec = ec.Derive(schema.WithExecution(execID))
	}
	res := &Result{Status: StatusRunning, ExecutionID: execID, Outputs: make(map[string]any)}

	for i, step := range in.Steps {
		if err := ctx.Err(); err != nil {
			res.Status = StatusCancelled
			res.Error = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
			return res, nil
		}
		if step.RequiresApproval {
			res.Status = StatusFailed
			res.Error = unsupported(s, CapApproval).WithStep(step.ID)
			return res, nil
		}
		out, admitted, err := runStep(ctx, s.steps, run, ec, in, i)
		if err != nil {
			return nil, err
		}
		if !admitted {
			res.Status = StatusStopped
			return res, nil
		}
		res.Steps = append(res.Steps, out)
		if out.Status == schema.StepStatusFailed {
			res.Status = StatusFailed
			res.Error = out.Error
			return res, nil
		}
		res.Outputs[step.ID] = out.Output
	}
	res.Status = StatusCompleted
	return res, nil
}
