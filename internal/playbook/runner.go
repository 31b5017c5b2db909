package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/orchestrator"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/topology"
	"github.com/rendis/playbook/pkg/schema"
)

// DefaultMaxParallelAgents caps a parallel frontier when the topology sets no limit.
const DefaultMaxParallelAgents = 4

// Output keys written to a finished run.
const (
	OutputResults    = "results"
	OutputVisited    = "visited_agents"
	OutputStopReason = "stop_reason"
)

// Config wires a Runner.
type Config struct {
	Registry *controlplane.Registry
	Factory  *runtime.Factory
	// Loader validates run inputs against inputs_schema. Optional.
	Loader *Loader
	Sink   streaming.EventSink
	Logger *slog.Logger
	CEL    *expressions.CELEngine
}

// Outcome is the state of a run when Run or Resume returns.
type Outcome struct {
	Run        *controlplane.Run          `json:"run"`
	Runtime    string                     `json:"runtime"`
	State      orchestrator.StateSnapshot `json:"state"`
	StopReason []string                   `json:"stop_reason,omitempty"`
	Error      *schema.PlaybookError      `json:"error,omitempty"`
	// Paused lists the runtime executions waiting for Resume.
	Paused []string `json:"paused,omitempty"`
}

// Runner drives playbook runs. Runs are independent and may proceed
// concurrently; each run is driven by one goroutine at a time.
type Runner struct {
	cfg    Config
	orchs  *orchestrator.Registry
	logger *slog.Logger

	mu       sync.Mutex
	defs     map[string]*Definition
	sessions map[string]*session // run ID -> in-flight or paused run
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Registry == nil || cfg.Factory == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "runner needs a registry and a runtime factory")
	}
	if cfg.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "create CEL engine").WithCause(err)
		}
		cfg.CEL = cel
	}
	cfg.Sink = streaming.OrNop(cfg.Sink)
	return &Runner{
		cfg:      cfg,
		orchs:    orchestrator.NewRegistry(),
		logger:   logging.OrDiscard(cfg.Logger),
		defs:     make(map[string]*Definition),
		sessions: make(map[string]*session),
	}, nil
}

// Orchestrators returns the registry of in-flight orchestrators.
func (r *Runner) Orchestrators() *orchestrator.Registry { return r.orchs }

// Register makes def runnable by code.
func (r *Runner) Register(def *Definition) error {
	if def == nil || def.Code == "" {
		return schema.NewError(schema.ErrCodeValidation, "playbook has no code")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Code]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "playbook %q already registered", def.Code)
	}
	r.defs[def.Code] = def
	return nil
}

// Definition returns the registered playbook with code or NOT_FOUND.
func (r *Runner) Definition(code string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[code]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q not found", code)
	}
	return def, nil
}

// Codes returns the registered playbook codes, sorted.
func (r *Runner) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, len(r.defs))
	for c := range r.defs {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

// Run creates a run of def and drives it until it finishes or pauses.
// Configuration and input problems are returned before any run is created.
func (r *Runner) Run(ctx context.Context, def *Definition, ec schema.ExecutionContext, inputs map[string]any) (*Outcome, error) {
	if r.cfg.Loader != nil {
		if err := r.cfg.Loader.ValidateInputs(def, inputs); err != nil {
			return nil, err
		}
	}
	if ec.ExecutionID() == "" {
		ec = ec.Derive(schema.WithExecution(uuid.NewString()))
	}
	ctx = logging.WithExecutionID(logging.WithTenant(ctx, ec.TenantID(), ec.WorkspaceID()), ec.ExecutionID())

	orch, err := orchestrator.New(orchestrator.Config{
		ExecutionID: ec.ExecutionID(),
		Roster:      def.Agents,
		Topology:    def.Topology,
		Budget:      def.Budget,
		Stop:        def.Stop,
		Sink:        r.cfg.Sink,
		Logger:      r.logger,
		CEL:         r.cfg.CEL,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range orch.Warnings() {
		logging.LogWith(ctx, r.logger).Warn("topology warning", "path", w.Path, "message", w.Message)
	}
	port, err := r.selectRuntime(def)
	if err != nil {
		return nil, err
	}

	if err := r.orchs.Register(orch); err != nil {
		return nil, err
	}
	run, err := r.cfg.Registry.CreateRun(ctx, controlplane.CreateRunRequest{
		PlaybookCode: def.Code,
		Context:      ec,
		Inputs:       inputs,
		RuntimeName:  port.Name(),
	})
	if err != nil {
		r.orchs.Remove(orch.ExecutionID())
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	if run, err = r.cfg.Registry.UpdateRunStatus(ctx, run.ID, controlplane.RunStatusUpdate{Status: schema.RunStatusRunning}); err != nil {
		r.orchs.Remove(orch.ExecutionID())
		return nil, err
	}

	s := newSession(def, run, ec, inputs, orch, port)
	s.width = parallelWidth(def.Topology)
	s.frontier = orch.NextAgents("")
	if len(s.frontier) > 0 {
		s.entry = s.frontier[0]
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	s.busy, s.cancel = true, cancel
	r.sessions[run.ID] = s
	r.mu.Unlock()

	logging.LogWith(ctx, r.logger).Info("playbook run started",
		"playbook", def.Code, "runtime", port.Name(), "pattern", orch.Pattern())
	return r.drive(runCtx, s)
}

func (r *Runner) selectRuntime(def *Definition) (runtime.Port, error) {
	if def.Runtime == "" {
		return r.cfg.Factory.GetRuntime(def.Profile)
	}
	port, err := r.cfg.Factory.Get(def.Runtime)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "playbook %q names unknown runtime %q", def.Code, def.Runtime).WithCause(err)
	}
	if !port.Supports(def.Profile) {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "runtime %q does not support the profile of playbook %q", def.Runtime, def.Code)
	}
	return port, nil
}

func parallelWidth(t schema.TopologyRouting) int {
	if t.DefaultPattern != schema.PatternParallel {
		return 1
	}
	if n, ok := topology.PositiveInt(t.Config(schema.PatternParallel)[schema.ConfigMaxParallelAgents]); ok {
		return int(n)
	}
	return DefaultMaxParallelAgents
}

// Resume continues a run paused on one or more runtime executions. opts is
// passed to every paused execution.
func (r *Runner) Resume(ctx context.Context, runID string, opts runtime.ResumeOptions) (*Outcome, error) {
	r.mu.Lock()
	s, ok := r.sessions[runID]
	if !ok {
		r.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not paused", runID)
	}
	if s.busy {
		r.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is running", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.busy, s.cancel = true, cancel
	r.mu.Unlock()

	ctx = logging.WithRunID(logging.WithExecutionID(runCtx, s.ec.ExecutionID()), runID)
	rec := context.WithoutCancel(ctx)
	paused := s.paused
	s.paused = nil
	opts.Gate = s.gate
	var fatal *invocation
	var refused error
	for _, p := range paused {
		res, err := runtime.Resume(ctx, s.port, p.execID, opts)
		if schema.HasCode(err, schema.ErrCodeConflict) {
			// Refused, e.g. approval withheld: the execution stays paused.
			s.paused = append(s.paused, p)
			refused = err
			continue
		}
		inv := invocation{agent: p.agent, execID: p.execID, retries: p.retries, result: res, err: err}
		if f := r.record(ctx, s, inv, false); f != nil && fatal == nil {
			fatal = f
		}
	}
	if refused != nil && fatal == nil && len(s.paused) == len(paused) {
		r.mu.Lock()
		s.busy, s.cancel = false, nil
		r.mu.Unlock()
		return nil, refused
	}
	if fatal != nil {
		return r.fail(rec, s, *fatal)
	}
	if len(s.paused) > 0 {
		return r.suspend(rec, s)
	}
	if s.pos >= len(s.frontier) {
		s.advance()
	}
	return r.drive(ctx, s)
}

// Cancel stops a run. A run being driven stops at its next step; a paused
// run has its runtime executions cancelled and is recorded CANCELLED.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	s, ok := r.sessions[runID]
	if !ok {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not in flight", runID)
	}
	if s.busy {
		cancel := s.cancel
		r.mu.Unlock()
		cancel()
		return nil
	}
	s.busy = true
	r.mu.Unlock()

	ctx = logging.WithRunID(ctx, runID)
	for _, p := range s.paused {
		if err := runtime.Cancel(ctx, s.port, p.execID); err != nil {
			logging.LogWith(ctx, r.logger).Warn("cancel paused execution failed", "execution", p.execID, "error", err)
		}
	}
	s.paused = nil
	_, err := r.finish(ctx, s, schema.RunStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
	return err
}

// drive runs frontiers until the run finishes or pauses. The budget is
// checked before every agent; within an agent the runtime consults the
// session's gate before every step.
func (r *Runner) drive(ctx context.Context, s *session) (*Outcome, error) {
	rec := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(rec, s, schema.RunStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err))
		}
		if len(s.frontier) == 0 || s.orch.ShouldStop(ctx) {
			return r.finish(rec, s, schema.RunStatusCompleted, nil)
		}
		if s.pos == 0 {
			s.iteration++
		}

		batch := r.invokeBatch(ctx, s, s.frontier[s.pos:s.batchEnd()])
		s.pos += len(batch)

		var fatal *invocation
		for _, inv := range batch {
			if f := r.record(ctx, s, inv, true); f != nil && fatal == nil {
				fatal = f
			}
		}
		if fatal != nil {
			return r.fail(rec, s, *fatal)
		}
		if len(s.paused) > 0 {
			return r.suspend(rec, s)
		}
		if s.pos >= len(s.frontier) {
			s.advance()
		}
	}
}

// invokeBatch runs agents concurrently, at most s.width at a time, and
// returns the invocations of those it started, in agent order. It starts
// none once the budget is spent.
func (r *Runner) invokeBatch(ctx context.Context, s *session, agents []string) []invocation {
	if len(agents) == 1 {
		return []invocation{r.invoke(ctx, s, agents[0], s.execID(agents[0], 0), 0)}
	}

	out := make([]invocation, len(agents))
	started := 0
	p := newPool(s.width)
	defer p.shutdown()
	for i, agent := range agents {
		if s.gate.stop(ctx) {
			break
		}
		started++
		execID := s.execID(agent, 0)
		err := p.submit(ctx, func(ctx context.Context) error {
			out[i] = r.invoke(ctx, s, agent, execID, 0)
			return out[i].err
		}, func(err error) {
			out[i] = invocation{agent: agent, execID: execID,
				err: schema.NewErrorf(schema.ErrCodeExecution, "agent %q crashed", agent).WithCause(err)}
		})
		if err != nil {
			out[i] = invocation{agent: agent, execID: execID,
				err: schema.NewError(schema.ErrCodeCancelled, "agent not started").WithCause(err)}
		}
	}
	p.wait()
	m := p.snapshot()
	logging.LogWith(ctx, r.logger).Debug("parallel frontier finished",
		"agents", started, "completed", m.Completed, "failed", m.Failed, "panics", m.Panics)
	return out[:started]
}

// invoke runs one agent's steps as a single runtime execution. It reaches
// the orchestrator only through the session's gate and is safe to call
// concurrently.
func (r *Runner) invoke(ctx context.Context, s *session, agent, execID string, retries int) invocation {
	inv := invocation{agent: agent, execID: execID, retries: retries}
	steps := s.def.StepsFor(agent, s.entry)
	if len(steps) == 0 {
		inv.result = &runtime.Result{Status: runtime.StatusCompleted, ExecutionID: execID, Outputs: map[string]any{}}
		return inv
	}
	ctx = logging.WithAgentID(ctx, agent)
	ec := s.ec.Derive(schema.WithExecution(execID), schema.WithExtension("agent_id", agent))
	inv.result, inv.err = s.port.Execute(ctx, s.run, ec, runtime.Inputs{
		Steps:   steps,
		Params:  s.inputs,
		Renames: s.def.Mappings,
		Gate:    s.gate,
	})
	return inv
}

// record folds one invocation into the orchestrator, retrying a retryable
// failure while the retry budget lasts. Steps were already counted by the
// gate. It returns the invocation when it must end the run.
func (r *Runner) record(ctx context.Context, s *session, inv invocation, newTurn bool) *invocation {
	log := logging.LogWith(logging.WithAgentID(ctx, inv.agent), r.logger)
	for {
		if newTurn {
			s.orch.SetCurrentAgent(inv.agent)
			s.orch.RecordTurn()
		}
		if inv.err != nil {
			s.orch.RecordError()
			return &inv
		}
		res := inv.result

		switch res.Status {
		case runtime.StatusCompleted:
			s.orch.RecordResult(inv.agent, res.Outputs)
			s.route(s.orch.NextAgents(inv.agent))
			return nil
		case runtime.StatusPaused, runtime.StatusRunning:
			s.paused = append(s.paused, pausedExec{agent: inv.agent, execID: inv.execID, retries: inv.retries, ref: res.CheckpointRef})
			log.Info("agent paused", "execution", inv.execID)
			return nil
		case runtime.StatusStopped:
			s.orch.RecordResult(inv.agent, res.Outputs)
			log.Info("agent stopped by budget", "execution", inv.execID, "steps", len(res.Steps))
			return nil
		case runtime.StatusCancelled:
			return &inv
		}

		if res.Error != nil && res.Error.Retryable() && ctx.Err() == nil && s.canRetry(ctx) {
			if _, err := r.cfg.Registry.UpdateRunStatus(context.WithoutCancel(ctx), s.run.ID, controlplane.RunStatusUpdate{
				Status:         schema.RunStatusRunning,
				IncrementRetry: true,
			}); err != nil {
				log.Warn("record retry failed", "error", err)
			}
			n := inv.retries + 1
			log.Info("retrying agent", "attempt", n, "error", res.Error)
			inv = r.invoke(ctx, s, inv.agent, s.execID(inv.agent, n), n)
			s.orch.RecordRetry()
			newTurn = false
			continue
		}
		// Under an error budget a failed agent hands off like a finished one.
		if s.def.Stop.MaxErrors > 0 {
			s.orch.RecordResult(inv.agent, map[string]any{"error": res.Error})
			s.route(s.orch.NextAgents(inv.agent))
			log.Warn("agent failed", "error", res.Error)
			return nil
		}
		return &inv
	}
}

func (r *Runner) fail(ctx context.Context, s *session, inv invocation) (*Outcome, error) {
	if inv.err != nil {
		perr := asPlaybookError(inv.err)
		if _, err := r.finish(ctx, s, schema.RunStatusFailed, perr); err != nil {
			return nil, err
		}
		return nil, inv.err
	}
	perr := inv.result.Error
	if perr == nil {
		perr = schema.NewErrorf(schema.ErrCodeExecution, "agent %q failed", inv.agent)
	}
	status := schema.RunStatusFailed
	if inv.result.Status == runtime.StatusCancelled || perr.Code == schema.ErrCodeCancelled {
		status = schema.RunStatusCancelled
	}
	return r.finish(ctx, s, status, perr)
}

// suspend leaves the run RUNNING with the checkpoint of the last paused execution.
func (r *Runner) suspend(ctx context.Context, s *session) (*Outcome, error) {
	ref := s.paused[len(s.paused)-1].ref
	run, err := r.cfg.Registry.UpdateRunStatus(ctx, s.run.ID, controlplane.RunStatusUpdate{
		Status:        schema.RunStatusRunning,
		CheckpointRef: ref,
	})
	if err != nil {
		return nil, err
	}
	s.run = run

	r.mu.Lock()
	s.busy, s.cancel = false, nil
	r.mu.Unlock()

	ids := s.pausedIDs()
	logging.LogWith(ctx, r.logger).Info("playbook run paused", "executions", ids)
	return &Outcome{Run: run, Runtime: s.port.Name(), State: s.orch.Snapshot(), Paused: ids}, nil
}

// finish writes the final run status and forgets the run. Exhausting a
// stop condition rather than a budget fails the run.
func (r *Runner) finish(ctx context.Context, s *session, status schema.RunStatus, perr *schema.PlaybookError) (*Outcome, error) {
	// A limit met by the last agent is reported like any other.
	s.orch.ShouldStop(ctx)
	snap := s.orch.Snapshot()
	reasons := s.orch.Exhausted()
	if status == schema.RunStatusCompleted {
		for _, reason := range reasons {
			if reason == orchestrator.LimitMaxErrors || reason == orchestrator.LimitMaxRetries {
				status = schema.RunStatusFailed
				perr = schema.NewErrorf(schema.ErrCodeExecution, "stop condition %s reached", reason).
					WithDetails(map[string]any{"stop_reason": reasons})
				break
			}
		}
	}

	outputs := map[string]any{
		OutputResults: snap.Results,
		OutputVisited: snap.VisitedAgents,
	}
	if len(reasons) > 0 {
		outputs[OutputStopReason] = reasons
	}
	upd := controlplane.RunStatusUpdate{Status: status, Outputs: outputs}
	if perr != nil {
		upd.ErrorCode, upd.ErrorMessage = perr.Code, perr.Message
	}

	r.mu.Lock()
	delete(r.sessions, s.run.ID)
	r.mu.Unlock()
	r.orchs.Remove(s.orch.ExecutionID())

	run, err := r.cfg.Registry.UpdateRunStatus(ctx, s.run.ID, upd)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, r.logger).Info("playbook run finished",
		"status", status, "iterations", snap.Iterations, "turns", snap.Turns, "stop_reason", reasons)
	return &Outcome{Run: run, Runtime: s.port.Name(), State: snap, StopReason: reasons, Error: perr}, nil
}

func asPlaybookError(err error) *schema.PlaybookError {
	var pErr *schema.PlaybookError
	if errors.As(err, &pErr) {
		return pErr
	}
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	return schema.NewError(code, fmt.Sprint(err)).WithCause(err)
}
