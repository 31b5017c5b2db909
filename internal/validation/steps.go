package validation

import (
	"fmt"

	"github.com/rendis/playbook/pkg/schema"
)

// CheckSteps runs the structural checks JSON Schema cannot express:
// unique step IDs, known agents, tool allow-lists, and dependencies that
// point at steps declared earlier. Execution is in declaration order, so a
// forward or self dependency is an error and cycles cannot occur.
func CheckSteps(steps []schema.StepSpec, roster []schema.AgentDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	agents := make(map[string]schema.AgentDefinition, len(roster))
	for _, a := range roster {
		agents[a.ID] = a
	}

	declared := make(map[string]int, len(steps))
	for i, s := range steps {
		path := fmt.Sprintf("steps[%d]", i)

		if s.ID == "" {
			result.AddError(path, schema.ErrCodeValidation, "step id is required")
			continue
		}
		if prev, dup := declared[s.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", s.ID, prev))
			continue
		}

		if s.Tool == "" {
			result.AddError(path+".tool", schema.ErrCodeValidation, fmt.Sprintf("step %q has no tool", s.ID))
		}

		if s.Agent != "" {
			agent, ok := agents[s.Agent]
			switch {
			case !ok:
				result.AddError(path+".agent", schema.ErrCodeValidation,
					fmt.Sprintf("step %q references unknown agent %q", s.ID, s.Agent))
			case s.Tool != "" && !agent.CanUse(s.Tool):
				result.AddError(path+".tool", schema.ErrCodeValidation,
					fmt.Sprintf("agent %q is not allowed to use tool %q", s.Agent, s.Tool))
			}
		} else if len(roster) > 1 {
			result.AddWarning(path+".agent", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has no agent and will run for %q", s.ID, roster[0].ID))
		}

		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			depPath := path + ".depends_on"
			switch {
			case seen[dep]:
				result.AddWarning(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q lists dependency %q twice", s.ID, dep))
			case dep == s.ID:
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on itself", s.ID))
			default:
				if _, ok := declared[dep]; !ok {
					result.AddError(depPath, schema.ErrCodeValidation,
						fmt.Sprintf("step %q depends on %q, which is not declared before it", s.ID, dep))
				}
			}
			seen[dep] = true
		}

		declared[s.ID] = i
	}
	return result
}
