// Package diagram renders an agent routing topology, optionally overlaid
// with the state of a run, as ASCII, Mermaid or a graphviz image.
package diagram

import "github.com/rendis/playbook/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAgent NodeKind = "agent"
	NodeKindEntry NodeKind = "entry"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title   string
	Pattern schema.Pattern
	Nodes   []*Node
	Edges   []Edge
	// Levels holds node IDs by hop distance from the start node.
	// Agents unreachable from the entry share the last level before End.
	Levels [][]string

	entry string
}

// Node is an agent or a virtual start/end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// AgentStatus summarises the steps an agent ran in one run.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
)

// legend is the status order shared by the renderers.
var legend = []AgentStatus{StatusCompleted, StatusFailed, StatusRunning, StatusPending}

type colors struct {
	fill, stroke, font string
}

var palette = map[AgentStatus]colors{
	StatusCompleted: {fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	StatusFailed:    {fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	StatusRunning:   {fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"},
	StatusPending:   {fill: "#d3d3d3", stroke: "#8a8a8a", font: "#000000"},
}

// StatusOverlay carries run state for an agent.
type StatusOverlay struct {
	Status AgentStatus
	Steps  int
	Failed int
}

// Edge is a routing rule. Back is set when the edge returns to an agent
// at the same or an earlier level, closing a loop.
type Edge struct {
	From  string
	To    string
	Label string
	Back  bool
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
