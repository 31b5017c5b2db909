package schema

// Pattern is the routing pattern hint of a topology.
type Pattern string

const (
	PatternSequential   Pattern = "sequential"
	PatternLoop         Pattern = "loop"
	PatternParallel     Pattern = "parallel"
	PatternHierarchical Pattern = "hierarchical"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSequential, PatternLoop, PatternParallel, PatternHierarchical:
		return true
	}
	return false
}

// Pattern config keys.
const (
	ConfigMaxParallelAgents = "max_parallel_agents"
	ConfigRootAgent         = "root_agent"
)

// TopologyRouting is the directed agent hand-off graph with a pattern hint.
type TopologyRouting struct {
	DefaultPattern Pattern                   `json:"default_pattern,omitempty" yaml:"default_pattern,omitempty"`
	RoutingRules   map[string][]string       `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
	PatternConfig  map[string]map[string]any `json:"pattern_config,omitempty" yaml:"pattern_config,omitempty"`
}

// Config returns the pattern-specific config block, or nil.
func (t TopologyRouting) Config(p Pattern) map[string]any {
	return t.PatternConfig[string(p)]
}

// AgentDefinition is a read-only roster entry.
type AgentDefinition struct {
	ID           string   `json:"id" yaml:"id"`
	Role         string   `json:"role,omitempty" yaml:"role,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	Scope        string   `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// CanUse reports whether the agent may call tool. An empty allow-list permits every tool.
func (a AgentDefinition) CanUse(tool string) bool {
	if len(a.AllowedTools) == 0 {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// StepSpec is a single declarative step of a playbook.
type StepSpec struct {
	ID               string         `json:"id" yaml:"id"`
	Agent            string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Tool             string         `json:"tool" yaml:"tool"`
	Params           map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}
