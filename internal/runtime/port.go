// Package runtime holds the pluggable execution engines that run a
// playbook's steps, and the factory that selects one per run.
package runtime

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/pkg/schema"
)

// Mode is the execution model of a runtime.
type Mode string

const (
	ModeSimple  Mode = "simple"
	ModeDurable Mode = "durable"
)

// Capabilities a runtime may advertise.
const (
	CapResume     = "resume"
	CapPause      = "pause"
	CapCancel     = "cancel"
	CapStatus     = "status"
	CapCheckpoint = "checkpoint"
	CapApproval   = "approval"
)

// SideEffectHigh marks a profile whose steps change external state.
const SideEffectHigh = "high"

// Profile is what a playbook requires from the runtime executing it.
type Profile struct {
	RequiredCapabilities []string `yaml:"required_capabilities" json:"required_capabilities,omitempty"`
	SideEffectLevel      string   `yaml:"side_effect_level" json:"side_effect_level,omitempty"`
	NeedsResumability    bool     `yaml:"needs_resumability" json:"needs_resumability,omitempty"`
	NeedsApproval        bool     `yaml:"needs_approval" json:"needs_approval,omitempty"`
}

// ResultStatus is the outcome of an execution call.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusPaused    ResultStatus = "paused"
	StatusRunning   ResultStatus = "running"
	StatusCancelled ResultStatus = "cancelled"
	// StatusStopped means the execution's Gate refused its next step.
	StatusStopped ResultStatus = "stopped"
)

// Inputs are the steps one execution runs, in order, plus the playbook inputs.
type Inputs struct {
	Steps  []schema.StepSpec `json:"steps"`
	Params map[string]any    `json:"params,omitempty"`
	// Renames are parameter renames per tool that apply to this execution only.
	Renames map[string][]adapter.Rename `json:"renames,omitempty"`
	// Gate admits each step. Nil admits all.
	Gate Gate `json:"-"`
}

// StepOutcome is the result of one step.
type StepOutcome struct {
	StepID     string                `json:"step_id"`
	StepRunID  string                `json:"step_run_id,omitempty"`
	AgentID    string                `json:"agent_id,omitempty"`
	Tool       string                `json:"tool"`
	Status     schema.StepStatus     `json:"status"`
	Output     map[string]any        `json:"output,omitempty"`
	Error      *schema.PlaybookError `json:"error,omitempty"`
	ToolCalled bool                  `json:"tool_called"`
}

// Result is returned by Execute, Resume and Status.
type Result struct {
	Status        ResultStatus          `json:"status"`
	ExecutionID   string                `json:"execution_id"`
	Outputs       map[string]any        `json:"outputs,omitempty"` // step ID -> output
	Steps         []StepOutcome         `json:"steps,omitempty"`   // steps run by this call
	Checkpoint    *Checkpoint           `json:"checkpoint,omitempty"`
	CheckpointRef string                `json:"checkpoint_ref,omitempty"`
	Error         *schema.PlaybookError `json:"error,omitempty"`
}

// Checkpoint is the persisted progress of a durable execution.
type Checkpoint struct {
	ExecutionID      string                  `json:"execution_id"`
	RunID            string                  `json:"run_id"`
	Runtime          string                  `json:"runtime"`
	Context          schema.ExecutionContext `json:"context"`
	Inputs           Inputs                  `json:"inputs"`
	NextStep         int                     `json:"next_step"`
	Outputs          map[string]any          `json:"outputs"`
	AwaitingApproval string                  `json:"awaiting_approval,omitempty"`
	Approved         string                  `json:"approved,omitempty"`
	Status           ResultStatus            `json:"status"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Port is an execution engine.
type Port interface {
	Name() string
	Mode() Mode
	Capabilities() []string
	Supports(p Profile) bool
	Execute(ctx context.Context, run *controlplane.Run, ec schema.ExecutionContext, in Inputs) (*Result, error)
}

// ResumeOptions controls a resume.
type ResumeOptions struct {
	// Approve releases a step waiting for approval.
	Approve    bool
	ApprovedBy string
	// Gate replaces the gate of the execution when set, e.g. after Load.
	Gate Gate
}

// Resumer continues a paused or interrupted execution.
type Resumer interface {
	Resume(ctx context.Context, executionID string, opts ResumeOptions) (*Result, error)
}

// Pauser stops an execution at the next step boundary.
type Pauser interface {
	Pause(ctx context.Context, executionID string) (*Checkpoint, error)
}

// Canceller terminates an execution.
type Canceller interface {
	Cancel(ctx context.Context, executionID string) error
}

// StatusReporter reports the state of an execution.
type StatusReporter interface {
	Status(ctx context.Context, executionID string) (*Result, error)
}

func unsupported(p Port, op string) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeCapabilityUnsupported, "runtime %q does not support %s", p.Name(), op).
		WithDetails(map[string]any{"runtime": p.Name(), "capability": op})
}

// Resume calls p's Resume or fails with CAPABILITY_UNSUPPORTED.
func Resume(ctx context.Context, p Port, executionID string, opts ResumeOptions) (*Result, error) {
	r, ok := p.(Resumer)
	if !ok {
		return nil, unsupported(p, CapResume)
	}
	return r.Resume(ctx, executionID, opts)
}

// Pause calls p's Pause or fails with CAPABILITY_UNSUPPORTED.
func Pause(ctx context.Context, p Port, executionID string) (*Checkpoint, error) {
	r, ok := p.(Pauser)
	if !ok {
		return nil, unsupported(p, CapPause)
	}
	return r.Pause(ctx, executionID)
}

// Cancel calls p's Cancel or fails with CAPABILITY_UNSUPPORTED.
func Cancel(ctx context.Context, p Port, executionID string) error {
	r, ok := p.(Canceller)
	if !ok {
		return unsupported(p, CapCancel)
	}
	return r.Cancel(ctx, executionID)
}

// Status calls p's Status or fails with CAPABILITY_UNSUPPORTED.
func Status(ctx context.Context, p Port, executionID string) (*Result, error) {
	r, ok := p.(StatusReporter)
	if !ok {
		return nil, unsupported(p, CapStatus)
	}
	return r.Status(ctx, executionID)
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
