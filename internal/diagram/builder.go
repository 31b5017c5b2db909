package diagram

import (
	"slices"
	"strings"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/pkg/schema"
)

// Topology is the input of Build.
type Topology struct {
	Title    string
	Roster   []schema.AgentDefinition
	Topology schema.TopologyRouting
	// Entry is the first agent to run; the first roster agent when empty.
	Entry string
}

// Build lays out the routing graph of t. Rule sources are visited in sorted
// order and targets in declaration order, so the output is deterministic.
func Build(t Topology) *DiagramModel {
	m := &DiagramModel{Title: t.Title, Pattern: t.Topology.DefaultPattern, entry: t.Entry}
	if m.entry == "" && len(t.Roster) > 0 {
		m.entry = t.Roster[0].ID
	}

	m.Nodes = append(m.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, a := range t.Roster {
		kind := NodeKindAgent
		if a.ID == m.entry {
			kind = NodeKindEntry
		}
		m.Nodes = append(m.Nodes, &Node{ID: a.ID, Label: agentLabel(a), Kind: kind})
	}
	m.Nodes = append(m.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	level := m.layout(t)

	if m.entry != "" {
		m.Edges = append(m.Edges, Edge{From: StartID, To: m.entry})
	}
	sources := make([]string, 0, len(t.Topology.RoutingRules))
	for from := range t.Topology.RoutingRules {
		sources = append(sources, from)
	}
	slices.Sort(sources)
	for _, from := range sources {
		for _, to := range t.Topology.RoutingRules[from] {
			e := Edge{From: from, To: to}
			lf, okFrom := level[from]
			lt, okTo := level[to]
			if okFrom && okTo && lt <= lf {
				e.Back, e.Label = true, "loop"
			}
			m.Edges = append(m.Edges, e)
		}
	}
	for _, a := range t.Roster {
		if _, reachable := level[a.ID]; reachable && len(t.Topology.RoutingRules[a.ID]) == 0 {
			m.Edges = append(m.Edges, Edge{From: a.ID, To: EndID})
		}
	}
	return m
}

// layout fills Levels breadth-first from the entry and returns the level
// of every reachable agent.
func (m *DiagramModel) layout(t Topology) map[string]int {
	level := make(map[string]int)
	m.Levels = [][]string{{StartID}}
	if m.entry != "" {
		level[m.entry] = 1
		frontier := []string{m.entry}
		for depth := 1; len(frontier) > 0; depth++ {
			m.Levels = append(m.Levels, frontier)
			var next []string
			for _, id := range frontier {
				for _, to := range t.Topology.RoutingRules[id] {
					if _, seen := level[to]; !seen {
						level[to] = depth + 1
						next = append(next, to)
					}
				}
			}
			frontier = next
		}
	}
	var unreachable []string
	for _, a := range t.Roster {
		if _, ok := level[a.ID]; !ok {
			unreachable = append(unreachable, a.ID)
		}
	}
	if len(unreachable) > 0 {
		m.Levels = append(m.Levels, unreachable)
	}
	m.Levels = append(m.Levels, []string{EndID})
	return level
}

func agentLabel(a schema.AgentDefinition) string {
	if a.Role == "" {
		return a.ID
	}
	return a.ID + "\n" + a.Role
}

// Overlay marks every agent with the aggregated status of its step runs.
// Steps without an agent count toward the entry agent. A visited agent
// with no steps is completed; any other agent is pending.
func (m *DiagramModel) Overlay(steps []*controlplane.StepRun, visited []string) {
	byAgent := make(map[string][]schema.StepStatus)
	for _, s := range steps {
		agent := s.AgentID
		if agent == "" {
			agent = m.entry
		}
		byAgent[agent] = append(byAgent[agent], s.Status)
	}
	for _, n := range m.Nodes {
		if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
			continue
		}
		ov := &StatusOverlay{Status: StatusPending}
		statuses := byAgent[n.ID]
		ov.Steps = len(statuses)
		for _, st := range statuses {
			if st == schema.StepStatusFailed {
				ov.Failed++
			}
		}
		switch {
		case ov.Failed > 0:
			ov.Status = StatusFailed
		case slices.ContainsFunc(statuses, func(s schema.StepStatus) bool { return !s.IsTerminal() }):
			ov.Status = StatusRunning
		case len(statuses) > 0 || slices.Contains(visited, n.ID):
			ov.Status = StatusCompleted
		}
		n.Status = ov
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
