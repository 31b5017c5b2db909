package orchestrator

import (
	"maps"
	"slices"
)

// LoopBudget caps work for one execution. Zero means not configured.
type LoopBudget struct {
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxTurns      int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	MaxSteps      int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MaxToolCalls  int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
}

// StopConditions signal abnormal termination, plus an optional CEL
// definition-of-done. Zero limits are not configured.
type StopConditions struct {
	MaxErrors        int    `json:"max_errors,omitempty" yaml:"max_errors,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	DefinitionOfDone string `json:"definition_of_done,omitempty" yaml:"definition_of_done,omitempty"`
}

// Limit names reported in exhaustion events.
const (
	LimitMaxIterations    = "max_iterations"
	LimitMaxTurns         = "max_turns"
	LimitMaxSteps         = "max_steps"
	LimitMaxToolCalls     = "max_tool_calls"
	LimitMaxErrors        = "max_errors"
	LimitMaxRetries       = "max_retries"
	LimitDefinitionOfDone = "definition_of_done"
)

// state is the mutable orchestration state. Counters only ever grow.
type state struct {
	iterations int
	turns      int
	steps      int
	toolCalls  int
	errors     int
	retries    int

	currentAgent string
	visited      []string
	seen         map[string]bool
	results      map[string]any
}

func newState() *state {
	return &state{seen: make(map[string]bool), results: make(map[string]any)}
}

// StateSnapshot is a point-in-time copy of orchestration state.
type StateSnapshot struct {
	Iterations    int            `json:"iterations"`
	Turns         int            `json:"turns"`
	Steps         int            `json:"steps"`
	ToolCalls     int            `json:"tool_calls"`
	Errors        int            `json:"errors"`
	Retries       int            `json:"retries"`
	CurrentAgent  string         `json:"current_agent,omitempty"`
	VisitedAgents []string       `json:"visited_agents"`
	Results       map[string]any `json:"results,omitempty"`
}

func (s *state) snapshot() StateSnapshot {
	return StateSnapshot{
		Iterations:    s.iterations,
		Turns:         s.turns,
		Steps:         s.steps,
		ToolCalls:     s.toolCalls,
		Errors:        s.errors,
		Retries:       s.retries,
		CurrentAgent:  s.currentAgent,
		VisitedAgents: slices.Clone(s.visited),
		Results:       maps.Clone(s.results),
	}
}

// celState is the "state" variable seen by definition-of-done expressions.
func (s StateSnapshot) celState() map[string]any {
	visited := make([]any, len(s.VisitedAgents))
	for i, v := range s.VisitedAgents {
		visited[i] = v
	}
	return map[string]any{
		"iterations":     s.Iterations,
		"turns":          s.Turns,
		"steps":          s.Steps,
		"tool_calls":     s.ToolCalls,
		"errors":         s.Errors,
		"retries":        s.Retries,
		"current_agent":  s.CurrentAgent,
		"visited_agents": visited,
	}
}

// limits returns the configured limits keyed by limit name.
func (b LoopBudget) limits(stop StopConditions) map[string]any {
	out := map[string]any{}
	for name, v := range map[string]int{
		LimitMaxIterations: b.MaxIterations,
		LimitMaxTurns:      b.MaxTurns,
		LimitMaxSteps:      b.MaxSteps,
		LimitMaxToolCalls:  b.MaxToolCalls,
		LimitMaxErrors:     stop.MaxErrors,
		LimitMaxRetries:    stop.MaxRetries,
	} {
		if v > 0 {
			out[name] = v
		}
	}
	if stop.DefinitionOfDone != "" {
		out[LimitDefinitionOfDone] = stop.DefinitionOfDone
	}
	return out
}
