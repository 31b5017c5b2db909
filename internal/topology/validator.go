// Package topology validates agent routing graphs against a roster and
// enumerates their routing paths.
package topology

import (
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/rendis/playbook/pkg/schema"
)

// DefaultMaxDepth bounds RoutingPaths when no depth is given.
const DefaultMaxDepth = 10

// Validator checks topologies against a fixed roster.
type Validator struct {
	roster []schema.AgentDefinition
	known  map[string]bool
}

func NewValidator(roster []schema.AgentDefinition) *Validator {
	known := make(map[string]bool, len(roster))
	for _, a := range roster {
		known[a.ID] = true
	}
	return &Validator{roster: slices.Clone(roster), known: known}
}

// Validate returns CONFIGURATION_ERROR naming the first offending agent or
// config value. Rule sources are checked in sorted order, targets in
// declaration order. Non-fatal findings are returned as warnings.
func (v *Validator) Validate(t schema.TopologyRouting) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}

	if t.DefaultPattern != "" && !t.DefaultPattern.Valid() {
		return nil, configErr("default_pattern", "unknown routing pattern %q", t.DefaultPattern)
	}

	if len(v.roster) == 0 && len(t.RoutingRules) > 0 {
		return nil, configErr("routing_rules", "routing rules reference agents but the roster is empty")
	}

	for _, from := range sortedKeys(t.RoutingRules) {
		if !v.known[from] {
			return nil, configErr("routing_rules."+from, "unknown agent %q in routing rules", from).
				WithDetails(map[string]any{"agent_id": from})
		}
		for _, to := range t.RoutingRules[from] {
			if !v.known[to] {
				return nil, configErr("routing_rules."+from, "unknown agent %q in routing rules (target of %q)", to, from).
					WithDetails(map[string]any{"agent_id": to, "from": from})
			}
		}
	}

	if cfg := t.Config(schema.PatternParallel); cfg != nil {
		if raw, ok := cfg[schema.ConfigMaxParallelAgents]; ok {
			if _, ok := PositiveInt(raw); !ok {
				return nil, configErr("pattern_config.parallel."+schema.ConfigMaxParallelAgents,
					"%s must be a positive integer, got %v", schema.ConfigMaxParallelAgents, raw)
			}
		}
	}

	if cfg := t.Config(schema.PatternHierarchical); cfg != nil {
		if raw, ok := cfg[schema.ConfigRootAgent]; ok {
			root, isString := raw.(string)
			if !isString {
				return nil, configErr("pattern_config.hierarchical."+schema.ConfigRootAgent,
					"%s must be a string, got %T", schema.ConfigRootAgent, raw)
			}
			if !v.known[root] {
				result.AddWarning("pattern_config.hierarchical."+schema.ConfigRootAgent, schema.ErrCodeConfiguration,
					fmt.Sprintf("root agent %q is not in the roster; the first roster agent starts instead", root))
			}
		}
	}

	for _, a := range v.roster {
		if len(t.RoutingRules) > 0 && !v.referenced(t, a.ID) {
			result.AddWarning("routing_rules", schema.ErrCodeConfiguration,
				fmt.Sprintf("agent %q is not reachable through any routing rule", a.ID))
		}
	}

	return result, nil
}

func (v *Validator) referenced(t schema.TopologyRouting, id string) bool {
	if _, ok := t.RoutingRules[id]; ok {
		return true
	}
	for _, targets := range t.RoutingRules {
		if slices.Contains(targets, id) {
			return true
		}
	}
	return false
}

// RoutingPaths enumerates hand-off paths from start, or from every root
// when start is empty. A path ends at an agent with no outgoing edges, at
// the depth bound, or when the next hop revisits an agent already on the
// path; that closed path includes the revisited agent once more.
// maxDepth <= 0 means DefaultMaxDepth.
func (v *Validator) RoutingPaths(t schema.TopologyRouting, start string, maxDepth int) [][]string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	var starts []string
	if start != "" {
		starts = []string{start}
	} else {
		starts = v.roots(t)
	}

	var paths [][]string
	for _, s := range starts {
		walk(t.RoutingRules, []string{s}, map[string]bool{s: true}, maxDepth, &paths)
	}
	return paths
}

func walk(rules map[string][]string, path []string, onPath map[string]bool, maxDepth int, out *[][]string) {
	node := path[len(path)-1]
	next := rules[node]
	if len(next) == 0 || len(path) >= maxDepth {
		*out = append(*out, slices.Clone(path))
		return
	}
	for _, n := range next {
		if onPath[n] {
			*out = append(*out, append(slices.Clone(path), n))
			continue
		}
		onPath[n] = true
		walk(rules, append(path, n), onPath, maxDepth, out)
		delete(onPath, n)
	}
}

// roots are roster agents with outgoing rules and no incoming edge, in
// roster order. Without any, the first roster agent is the only root.
func (v *Validator) roots(t schema.TopologyRouting) []string {
	incoming := make(map[string]bool)
	for _, targets := range t.RoutingRules {
		for _, to := range targets {
			incoming[to] = true
		}
	}
	var roots []string
	for _, a := range v.roster {
		if len(t.RoutingRules[a.ID]) > 0 && !incoming[a.ID] {
			roots = append(roots, a.ID)
		}
	}
	if len(roots) == 0 && len(v.roster) > 0 {
		roots = []string{v.roster[0].ID}
	}
	return roots
}

func configErr(path, format string, args ...any) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, format, args...).
		WithDetails(map[string]any{"path": path})
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// PositiveInt accepts any integer kind, or a whole float as decoded from
// JSON or YAML. Booleans are never integers.
func PositiveInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		return n, n > 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		return int64(n), n > 0 && n <= math.MaxInt64
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || f <= 0 || f > math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}
