// Package orchestrator decides which agents run next and tracks the loop
// budget of one execution. It carries no pattern-specific execution logic:
// callers drive any routing pattern with NextAgents and ShouldStop.
package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/topology"
	"github.com/rendis/playbook/pkg/schema"
)

// Config configures one Orchestrator.
type Config struct {
	ExecutionID string
	Roster      []schema.AgentDefinition
	Topology    schema.TopologyRouting
	Budget      LoopBudget
	Stop        StopConditions

	Sink   streaming.EventSink
	Logger *slog.Logger
	// CEL evaluates Stop.DefinitionOfDone. Created on demand when nil.
	CEL *expressions.CELEngine
}

// Orchestrator holds the state of a single execution. Mutating methods must
// not be called concurrently; one instance serves one in-flight execution.
type Orchestrator struct {
	cfg      Config
	roster   []string
	inRoster map[string]bool
	warnings []schema.ValidationIssue

	st          *state
	stopReasons []string
	stopped     bool
	emitted     atomic.Bool

	sink   streaming.EventSink
	logger *slog.Logger
}

// New validates the topology against the roster and the budget, and compiles
// the definition-of-done. Any failure is CONFIGURATION_ERROR.
func New(cfg Config) (*Orchestrator, error) {
	result, err := topology.NewValidator(cfg.Roster).Validate(cfg.Topology)
	if err != nil {
		return nil, err
	}
	if err := validateLimits(cfg.Budget, cfg.Stop); err != nil {
		return nil, err
	}
	if cfg.Stop.DefinitionOfDone != "" {
		if cfg.CEL == nil {
			if cfg.CEL, err = expressions.NewCELEngine(); err != nil {
				return nil, schema.NewError(schema.ErrCodeConfiguration, "create CEL engine").WithCause(err)
			}
		}
		if err := cfg.CEL.Compile(cfg.Stop.DefinitionOfDone); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"definition_of_done does not compile: %s", err.Error()).WithCause(err)
		}
	}

	o := &Orchestrator{
		cfg:      cfg,
		inRoster: make(map[string]bool, len(cfg.Roster)),
		warnings: result.Warnings,
		st:       newState(),
		sink:     streaming.OrNop(cfg.Sink),
		logger:   logging.OrDiscard(cfg.Logger),
	}
	for _, a := range cfg.Roster {
		o.roster = append(o.roster, a.ID)
		o.inRoster[a.ID] = true
	}
	return o, nil
}

// validateLimits reports the first negative limit in declaration order.
func validateLimits(b LoopBudget, s StopConditions) error {
	limits := []struct {
		name  string
		value int
	}{
		{LimitMaxIterations, b.MaxIterations},
		{LimitMaxTurns, b.MaxTurns},
		{LimitMaxSteps, b.MaxSteps},
		{LimitMaxToolCalls, b.MaxToolCalls},
		{LimitMaxErrors, s.MaxErrors},
		{LimitMaxRetries, s.MaxRetries},
	}
	for _, l := range limits {
		if l.value < 0 {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "%s must not be negative, got %d", l.name, l.value)
		}
	}
	return nil
}

// ExecutionID returns the execution this orchestrator serves.
func (o *Orchestrator) ExecutionID() string { return o.cfg.ExecutionID }

// Warnings returns the non-fatal topology findings from construction.
func (o *Orchestrator) Warnings() []schema.ValidationIssue { return slices.Clone(o.warnings) }

// Pattern returns the topology's routing pattern hint.
func (o *Orchestrator) Pattern() schema.Pattern { return o.cfg.Topology.DefaultPattern }

// Topology returns the validated routing.
func (o *Orchestrator) Topology() schema.TopologyRouting { return o.cfg.Topology }

// NextAgents returns the agents to run after current. With no current agent it
// returns the hierarchical root agent when it is a roster member, else the
// first roster agent. It never mutates state.
func (o *Orchestrator) NextAgents(current string) []string {
	if current == "" {
		if root, ok := o.cfg.Topology.Config(schema.PatternHierarchical)[schema.ConfigRootAgent].(string); ok && o.inRoster[root] {
			return []string{root}
		}
		if len(o.roster) == 0 {
			return []string{}
		}
		return []string{o.roster[0]}
	}
	next := o.cfg.Topology.RoutingRules[current]
	if len(next) == 0 {
		return []string{}
	}
	return slices.Clone(next)
}

// SetCurrentAgent records id as the running agent and remembers the visit.
func (o *Orchestrator) SetCurrentAgent(id string) {
	o.st.currentAgent = id
	if !o.st.seen[id] {
		o.st.seen[id] = true
		o.st.visited = append(o.st.visited, id)
	}
}

func (o *Orchestrator) RecordIteration() { o.st.iterations++ }
func (o *Orchestrator) RecordTurn()      { o.st.turns++ }
func (o *Orchestrator) RecordStep()      { o.st.steps++ }
func (o *Orchestrator) RecordToolCall()  { o.st.toolCalls++ }
func (o *Orchestrator) RecordError()     { o.st.errors++ }
func (o *Orchestrator) RecordRetry()     { o.st.retries++ }

// RecordResult stores the latest result of agentID.
func (o *Orchestrator) RecordResult(agentID string, value any) {
	o.st.results[agentID] = value
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() StateSnapshot { return o.st.snapshot() }

// Exhausted returns the limits that stopped the execution, or nil.
func (o *Orchestrator) Exhausted() []string { return slices.Clone(o.stopReasons) }

// ShouldStop reports whether any configured limit has been met or exceeded,
// or the definition-of-done holds. Once true it stays true. The first true
// emits a single budget-exhausted event.
func (o *Orchestrator) ShouldStop(ctx context.Context) bool {
	if o.stopped {
		return true
	}
	reasons := o.exceeded()
	if len(reasons) == 0 && o.done(ctx) {
		reasons = []string{LimitDefinitionOfDone}
	}
	if len(reasons) == 0 {
		return false
	}

	o.stopped = true
	o.stopReasons = reasons
	if o.emitted.CompareAndSwap(false, true) {
		o.emitExhausted(ctx)
	}
	return true
}

func (o *Orchestrator) exceeded() []string {
	b, s, st := o.cfg.Budget, o.cfg.Stop, o.st
	checks := []struct {
		name  string
		limit int
		value int
	}{
		{LimitMaxIterations, b.MaxIterations, st.iterations},
		{LimitMaxTurns, b.MaxTurns, st.turns},
		{LimitMaxSteps, b.MaxSteps, st.steps},
		{LimitMaxToolCalls, b.MaxToolCalls, st.toolCalls},
		{LimitMaxErrors, s.MaxErrors, st.errors},
		{LimitMaxRetries, s.MaxRetries, st.retries},
	}
	var out []string
	for _, c := range checks {
		if c.limit > 0 && c.value >= c.limit {
			out = append(out, c.name)
		}
	}
	return out
}

// done evaluates the definition-of-done. Evaluation errors count as not done.
func (o *Orchestrator) done(ctx context.Context) bool {
	expr := o.cfg.Stop.DefinitionOfDone
	if expr == "" {
		return false
	}
	snap := o.st.snapshot()
	ok, err := o.cfg.CEL.EvaluateBool(ctx, expr, map[string]any{
		expressions.VarState:   snap.celState(),
		expressions.VarResults: snap.Results,
	})
	if err != nil {
		logging.LogWith(ctx, o.logger).Warn("definition_of_done evaluation failed",
			"execution_id", o.cfg.ExecutionID, "error", err)
		return false
	}
	return ok
}

func (o *Orchestrator) emitExhausted(ctx context.Context) {
	payload := map[string]any{
		"exhausted": slices.Clone(o.stopReasons),
		"state":     o.st.snapshot(),
		"limits":    o.cfg.Budget.limits(o.cfg.Stop),
	}
	logging.LogWith(ctx, o.logger).Info("orchestration stopped",
		"execution_id", o.cfg.ExecutionID, "exhausted", o.stopReasons)

	err := o.sink.Emit(ctx, streaming.Event{
		Type:        schema.EventBudgetExhausted,
		ExecutionID: o.cfg.ExecutionID,
		Payload:     payload,
	})
	if err != nil {
		logging.LogWith(ctx, o.logger).Warn("emit budget exhausted event failed", "error", err)
	}
}
