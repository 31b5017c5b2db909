package playbook

import (
	"context"
	"fmt"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/orchestrator"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/pkg/schema"
)

// session is the driving state of one run. Only the goroutine that set
// busy touches it, apart from busy and cancel which Runner.mu guards.
type session struct {
	def    *Definition
	run    *controlplane.Run
	ec     schema.ExecutionContext
	inputs map[string]any
	orch   *orchestrator.Orchestrator
	gate   *budgetGate
	port   runtime.Port

	entry     string
	width     int
	iteration int
	frontier  []string
	pos       int // next frontier index to invoke
	next      []string
	queued    map[string]bool
	paused    []pausedExec

	busy   bool
	cancel context.CancelFunc
}

// invocation is one agent run through the runtime.
type invocation struct {
	agent   string
	execID  string
	retries int
	result  *runtime.Result
	err     error
}

// pausedExec is a runtime execution waiting for Resume.
type pausedExec struct {
	agent   string
	execID  string
	retries int
	ref     string // checkpoint ref
}

func newSession(def *Definition, run *controlplane.Run, ec schema.ExecutionContext, inputs map[string]any, orch *orchestrator.Orchestrator, port runtime.Port) *session {
	return &session{
		def:    def,
		run:    run,
		ec:     ec,
		inputs: inputs,
		orch:   orch,
		gate:   newBudgetGate(orch, def.Budget),
		port:   port,
		width:  1,
		queued: make(map[string]bool),
	}
}

// execID names the runtime execution of agent in the current iteration.
func (s *session) execID(agent string, retry int) string {
	id := fmt.Sprintf("%s:%s:%d", s.ec.ExecutionID(), agent, s.iteration)
	if retry > 0 {
		id = fmt.Sprintf("%s:retry%d", id, retry)
	}
	return id
}

// route adds successors to the next frontier, keeping the first occurrence.
func (s *session) route(agents []string) {
	for _, a := range agents {
		if !s.queued[a] {
			s.queued[a] = true
			s.next = append(s.next, a)
		}
	}
}

// advance counts the finished frontier as an iteration and moves to the next.
func (s *session) advance() {
	s.orch.RecordIteration()
	s.frontier, s.next = s.next, nil
	s.queued = make(map[string]bool)
	s.pos = 0
}

func (s *session) canRetry(ctx context.Context) bool {
	limit := s.def.Stop.MaxRetries
	return limit > 0 && s.orch.Snapshot().Retries < limit && !s.orch.ShouldStop(ctx)
}

// batchEnd bounds the next batch by the frontier, the parallel width and
// the turns left.
func (s *session) batchEnd() int {
	end := min(s.pos+s.width, len(s.frontier))
	if limit := s.def.Budget.MaxTurns; limit > 0 {
		end = min(end, s.pos+limit-s.orch.Snapshot().Turns)
	}
	return end
}

func (s *session) pausedIDs() []string {
	ids := make([]string, len(s.paused))
	for i, p := range s.paused {
		ids[i] = p.execID
	}
	return ids
}
