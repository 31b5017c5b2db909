package playbook

import (
	"context"
	"sync"

	"github.com/rendis/playbook/internal/orchestrator"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/pkg/schema"
)

// budgetGate admits the steps of a run against its budget and counts each
// step as it finishes. The agents of a parallel frontier share one gate, and
// while they run it is the only path to the orchestrator. A step is admitted
// while counted plus in-flight steps and tool calls stay under their limits;
// otherwise Acquire waits for in-flight steps to finish.
type budgetGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	orch     *orchestrator.Orchestrator
	budget   orchestrator.LoopBudget
	inflight int
}

var _ runtime.Gate = (*budgetGate)(nil)

func newBudgetGate(orch *orchestrator.Orchestrator, budget orchestrator.LoopBudget) *budgetGate {
	g := &budgetGate{orch: orch, budget: budget}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *budgetGate) Acquire(ctx context.Context, _ schema.StepSpec) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.orch.ShouldStop(ctx) {
			return false
		}
		if g.fits() {
			g.inflight++
			return true
		}
		g.cond.Wait()
	}
}

func (g *budgetGate) Release(_ context.Context, out runtime.StepOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	g.orch.RecordStep()
	if out.ToolCalled {
		g.orch.RecordToolCall()
	}
	if out.Status == schema.StepStatusFailed {
		g.orch.RecordError()
	}
	g.cond.Broadcast()
}

// stop is ShouldStop for callers racing the gate's agents.
func (g *budgetGate) stop(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orch.ShouldStop(ctx)
}

// fits reports whether one more step stays within max_steps and
// max_tool_calls. Callers hold g.mu.
func (g *budgetGate) fits() bool {
	snap := g.orch.Snapshot()
	return under(g.budget.MaxSteps, snap.Steps+g.inflight) &&
		under(g.budget.MaxToolCalls, snap.ToolCalls+g.inflight)
}

func under(limit, used int) bool { return limit <= 0 || used < limit }
