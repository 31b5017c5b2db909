package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// DurableName is the registered name of DurableRuntime.
const DurableName = "durable"

// ActionStepApproved is the audit action written when a step is approved.
const ActionStepApproved = "step.approved"

// DurableRuntime checkpoints after every step and can pause, resume and
// cancel executions by ID. A pause takes effect at the next step boundary.
// Steps that require approval pause the execution until resumed with approval.
type DurableRuntime struct {
	steps  *StepRunner
	store  store.BlobStore
	layout store.Layout
	sink   streaming.EventSink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	execs map[string]*execution
}

var (
	_ Port           = (*DurableRuntime)(nil)
	_ Resumer        = (*DurableRuntime)(nil)
	_ Pauser         = (*DurableRuntime)(nil)
	_ Canceller      = (*DurableRuntime)(nil)
	_ StatusReporter = (*DurableRuntime)(nil)
)

// DurableOption configures a DurableRuntime.
type DurableOption func(*DurableRuntime)

// WithDurableSink sets the sink notified of pause, resume and cancel.
func WithDurableSink(s streaming.EventSink) DurableOption {
	return func(d *DurableRuntime) { d.sink = s }
}

// WithDurableLogger sets the logger.
func WithDurableLogger(l *slog.Logger) DurableOption {
	return func(d *DurableRuntime) { d.logger = l }
}

// NewDurableRuntime checkpoints into the store of the step runner's registry.
func NewDurableRuntime(steps *StepRunner, opts ...DurableOption) *DurableRuntime {
	d := &DurableRuntime{
		steps:  steps,
		store:  steps.Registry().Store(),
		layout: steps.Registry().Layout(),
		now:    func() time.Time { return time.Now().UTC() },
		execs:  make(map[string]*execution),
	}
	for _, o := range opts {
		o(d)
	}
	d.sink = streaming.OrNop(d.sink)
	d.logger = logging.OrDiscard(d.logger).With("runtime", DurableName)
	return d
}

func (d *DurableRuntime) Name() string { return DurableName }
func (d *DurableRuntime) Mode() Mode   { return ModeDurable }

func (d *DurableRuntime) Capabilities() []string {
	return []string{CapResume, CapPause, CapCancel, CapStatus, CapCheckpoint, CapApproval}
}

// Supports accepts every profile.
func (d *DurableRuntime) Supports(Profile) bool { return true }

// execution is the in-memory handle of one execution. cp is guarded by mu
// while the execution is active; only the driving goroutine mutates it then.
type execution struct {
	mu        sync.Mutex
	id        string
	run       *controlplane.Run
	cp        *Checkpoint
	active    bool
	settled   chan struct{}
	cancel    context.CancelFunc
	pauseReq  bool
	cancelReq bool
}

// begin marks the execution active. Callers hold ex.mu.
func (ex *execution) begin(cancel context.CancelFunc) {
	ex.active = true
	ex.settled = make(chan struct{})
	ex.cancel = cancel
	ex.pauseReq = false
	ex.cancelReq = false
	ex.cp.Status = StatusRunning
}

func (ex *execution) end() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.active = false
	ex.cancel()
	close(ex.settled)
}

func isFinal(s ResultStatus) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusStopped
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.Outputs = maps.Clone(cp.Outputs)
	c.Inputs.Steps = append([]schema.StepSpec(nil), cp.Inputs.Steps...)
	return &c
}

// CheckpointKey returns where the checkpoint of an execution is stored.
func (d *DurableRuntime) CheckpointKey(runID, executionID string) string {
	return d.layout.CheckpointPath(runID, executionID)
}

func (d *DurableRuntime) lookup(id string) (*execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex, ok := d.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return ex, nil
}

// Execute starts a new execution and runs it until it completes, fails,
// pauses or is cancelled.
func (d *DurableRuntime) Execute(ctx context.Context, run *controlplane.Run, ec schema.ExecutionContext, in Inputs) (*Result, error) {
	execID := ec.ExecutionID()
	if execID == "" {
		execID = uuid.NewString()
	}
	ec = ec.Derive(schema.WithExecution(execID))

	ex := &execution{
		id:  execID,
		run: run,
		cp: &Checkpoint{
			ExecutionID: execID,
			RunID:       run.ID,
			Runtime:     DurableName,
			Context:     ec,
			Inputs: Inputs{
				Steps:   append([]schema.StepSpec(nil), in.Steps...),
				Params:  in.Params,
				Renames: in.Renames,
				Gate:    in.Gate,
			},
			Outputs:   make(map[string]any),
			UpdatedAt: d.now(),
		},
	}

	d.mu.Lock()
	if prev, ok := d.execs[execID]; ok {
		prev.mu.Lock()
		busy := prev.active || !isFinal(prev.cp.Status)
		prev.mu.Unlock()
		if busy {
			d.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", execID)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	ex.begin(cancel)
	d.execs[execID] = ex
	d.mu.Unlock()

	if err := d.persist(ctx, ex); err != nil {
		ex.end()
		return nil, err
	}
	return d.drive(runCtx, ex)
}

// Load rehydrates an execution from its persisted checkpoint, e.g. after a
// restart, so it can be resumed.
func (d *DurableRuntime) Load(ctx context.Context, runID, executionID string) (*Checkpoint, error) {
	data, err := d.store.Get(ctx, d.CheckpointKey(runID, executionID))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode checkpoint of %q", executionID).WithCause(err)
	}
	if cp.Outputs == nil {
		cp.Outputs = make(map[string]any)
	}
	run, err := d.steps.Registry().GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.execs[executionID]; ok {
		prev.mu.Lock()
		active := prev.active
		prev.mu.Unlock()
		if active {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is running", executionID)
		}
	}
	d.execs[executionID] = &execution{id: executionID, run: run, cp: &cp}
	return cloneCheckpoint(&cp), nil
}

// Resume continues a paused or interrupted execution. An execution waiting
// for approval resumes only with opts.Approve.
func (d *DurableRuntime) Resume(ctx context.Context, executionID string, opts ResumeOptions) (*Result, error) {
	ex, err := d.lookup(executionID)
	if err != nil {
		return nil, err
	}

	ex.mu.Lock()
	if ex.active {
		ex.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is running", executionID)
	}
	if isFinal(ex.cp.Status) {
		status := ex.cp.Status
		ex.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", executionID, status)
	}
	if opts.Gate != nil {
		ex.cp.Inputs.Gate = opts.Gate
	}
	approved := ""
	if waiting := ex.cp.AwaitingApproval; waiting != "" {
		if !opts.Approve {
			ex.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "step %q awaits approval", waiting).
				WithDetails(map[string]any{"execution_id": executionID, "step_id": waiting})
		}
		ex.cp.Approved = waiting
		ex.cp.AwaitingApproval = ""
		approved = waiting
	}
	runCtx, cancel := context.WithCancel(ctx)
	ex.begin(cancel)
	ex.mu.Unlock()

	ctx = logging.WithExecutionID(logging.WithRunID(ctx, ex.run.ID), executionID)
	if approved != "" {
		_, err := d.steps.Registry().LogAudit(ctx, controlplane.AuditEntry{
			ActorID:      opts.ApprovedBy,
			Action:       ActionStepApproved,
			Status:       controlplane.AuditSuccess,
			RunID:        ex.run.ID,
			ResourceType: "step",
			ResourceID:   approved,
		})
		if err != nil {
			logging.LogWith(ctx, d.logger).Warn("audit write failed", "action", ActionStepApproved, "error", err)
		}
	}
	d.emit(ctx, ex, schema.EventExecutionResumed, map[string]any{"approved_step": approved})
	return d.drive(runCtx, ex)
}

// Pause asks an active execution to stop at the next step boundary and
// waits for it. If the execution finishes first the pause is refused with
// CONFLICT and no state changes.
func (d *DurableRuntime) Pause(ctx context.Context, executionID string) (*Checkpoint, error) {
	ex, err := d.lookup(executionID)
	if err != nil {
		return nil, err
	}

	ex.mu.Lock()
	if !ex.active {
		defer ex.mu.Unlock()
		if isFinal(ex.cp.Status) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", executionID, ex.cp.Status)
		}
		ex.cp.Status = StatusPaused
		return cloneCheckpoint(ex.cp), nil
	}
	ex.pauseReq = true
	settled := ex.settled
	ex.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		ex.mu.Lock()
		ex.pauseReq = false
		ex.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeCancelled, "pause cancelled").WithCause(ctx.Err())
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.cp.Status != StatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q finished as %s before it could pause", executionID, ex.cp.Status)
	}
	return cloneCheckpoint(ex.cp), nil
}

// Cancel stops an execution. An active one is interrupted and waited for.
func (d *DurableRuntime) Cancel(ctx context.Context, executionID string) error {
	ex, err := d.lookup(executionID)
	if err != nil {
		return err
	}

	ex.mu.Lock()
	if ex.active {
		ex.cancelReq = true
		cancel, settled := ex.cancel, ex.settled
		ex.mu.Unlock()
		cancel()
		select {
		case <-settled:
			return nil
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "cancel wait interrupted").WithCause(ctx.Err())
		}
	}
	if isFinal(ex.cp.Status) {
		status := ex.cp.Status
		ex.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", executionID, status)
	}
	ex.cp.Status = StatusCancelled
	ex.cp.UpdatedAt = d.now()
	ex.mu.Unlock()

	if err := d.persist(ctx, ex); err != nil {
		return err
	}
	d.emit(ctx, ex, schema.EventExecutionCancelled, nil)
	return nil
}

// Status reports the latest checkpoint of an execution.
func (d *DurableRuntime) Status(_ context.Context, executionID string) (*Result, error) {
	ex, err := d.lookup(executionID)
	if err != nil {
		return nil, err
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	cp := cloneCheckpoint(ex.cp)
	return &Result{
		Status:        cp.Status,
		ExecutionID:   executionID,
		Outputs:       cp.Outputs,
		Checkpoint:    cp,
		CheckpointRef: d.CheckpointKey(cp.RunID, executionID),
	}, nil
}

// drive runs steps from the checkpoint until the execution settles.
func (d *DurableRuntime) drive(ctx context.Context, ex *execution) (*Result, error) {
	defer ex.end()
	rec := context.WithoutCancel(ctx)
	var ran []StepOutcome

	for {
		ex.mu.Lock()
		cp := ex.cp
		next := cp.NextStep
		pause := ex.pauseReq
		cancelled := ex.cancelReq || ctx.Err() != nil
		ex.mu.Unlock()

		switch {
		case cancelled:
			return d.settle(rec, ex, StatusCancelled, ran, schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
		case next >= len(cp.Inputs.Steps):
			return d.settle(rec, ex, StatusCompleted, ran, nil)
		case pause:
			return d.settle(rec, ex, StatusPaused, ran, nil)
		}

		step := cp.Inputs.Steps[next]
		if step.RequiresApproval && cp.Approved != step.ID {
			ex.mu.Lock()
			cp.AwaitingApproval = step.ID
			ex.mu.Unlock()
			logging.LogWith(ctx, d.logger).Info("step awaits approval", "step_id", step.ID)
			return d.settle(rec, ex, StatusPaused, ran, nil)
		}

		out, admitted, err := runStep(ctx, d.steps, ex.run, cp.Context, cp.Inputs, next)
		if err != nil {
			return nil, err
		}
		if !admitted {
			logging.LogWith(ctx, d.logger).Info("step refused by gate", "step_id", step.ID)
			return d.settle(rec, ex, StatusStopped, ran, nil)
		}
		ran = append(ran, out)

		if out.Status == schema.StepStatusFailed {
			ex.mu.Lock()
			cancelled = ex.cancelReq || ctx.Err() != nil
			ex.mu.Unlock()
			if cancelled {
				return d.settle(rec, ex, StatusCancelled, ran, out.Error)
			}
			return d.settle(rec, ex, StatusFailed, ran, out.Error)
		}

		ex.mu.Lock()
		cp.Outputs[step.ID] = out.Output
		cp.NextStep++
		cp.Approved = ""
		cp.UpdatedAt = d.now()
		ex.mu.Unlock()
		if err := d.persist(rec, ex); err != nil {
			return nil, err
		}
	}
}

func (d *DurableRuntime) settle(ctx context.Context, ex *execution, status ResultStatus, ran []StepOutcome, perr *schema.PlaybookError) (*Result, error) {
	ex.mu.Lock()
	ex.cp.Status = status
	ex.cp.UpdatedAt = d.now()
	cp := cloneCheckpoint(ex.cp)
	ex.mu.Unlock()

	if err := d.persist(ctx, ex); err != nil {
		return nil, err
	}
	switch status {
	case StatusPaused:
		d.emit(ctx, ex, schema.EventExecutionPaused, map[string]any{
			"next_step":         cp.NextStep,
			"awaiting_approval": cp.AwaitingApproval,
		})
	case StatusCancelled:
		d.emit(ctx, ex, schema.EventExecutionCancelled, nil)
	}

	return &Result{
		Status:        status,
		ExecutionID:   ex.id,
		Outputs:       cp.Outputs,
		Steps:         ran,
		Checkpoint:    cp,
		CheckpointRef: d.CheckpointKey(cp.RunID, ex.id),
		Error:         perr,
	}, nil
}

func (d *DurableRuntime) persist(ctx context.Context, ex *execution) error {
	ex.mu.Lock()
	data, err := json.Marshal(ex.cp)
	runID := ex.cp.RunID
	ex.mu.Unlock()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode checkpoint of %q", ex.id).WithCause(err)
	}
	return d.store.Put(ctx, d.CheckpointKey(runID, ex.id), data)
}

func (d *DurableRuntime) emit(ctx context.Context, ex *execution, eventType string, payload map[string]any) {
	err := d.sink.Emit(ctx, streaming.Event{
		Type:        eventType,
		ExecutionID: ex.id,
		RunID:       ex.run.ID,
		Payload:     payload,
		Timestamp:   d.now(),
	})
	if err != nil {
		logging.LogWith(ctx, d.logger).Warn("event emit failed", "event_type", eventType, "error", err)
	}
}
