package runtime

import (
	"context"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/pkg/schema"
)

// Gate admits the steps of an execution against a budget that may be shared
// with other executions. Acquire is called before each step and may block
// while admitted steps are still running; false stops the execution with
// StatusStopped. Every admitted step is released exactly once with its
// outcome, which is partial when the step could not be recorded.
// Implementations must be safe for concurrent use.
type Gate interface {
	Acquire(ctx context.Context, step schema.StepSpec) bool
	Release(ctx context.Context, out StepOutcome)
}

// runStep runs step of in through steps once in.Gate admits it. admitted is
// false when the gate refused and nothing ran.
func runStep(ctx context.Context, steps *StepRunner, run *controlplane.Run, ec schema.ExecutionContext, in Inputs, index int) (out StepOutcome, admitted bool, err error) {
	step := in.Steps[index]
	renames := in.Renames[step.Tool]
	if in.Gate == nil {
		out, err = steps.Run(ctx, run, ec, step, index, renames...)
		return out, true, err
	}
	if !in.Gate.Acquire(ctx, step) {
		return StepOutcome{}, false, nil
	}
	out, err = steps.Run(ctx, run, ec, step, index, renames...)
	in.Gate.Release(ctx, out)
	return out, true, err
}
