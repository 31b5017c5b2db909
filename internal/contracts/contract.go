// Package contracts declares the parameter shape of callable tools and
// discovers those declarations from capability manifests.
package contracts

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// Requirement classifies how a parameter is satisfied.
type Requirement string

const (
	Required Requirement = "required"
	Optional Requirement = "optional"
	Injected Requirement = "injected"
)

func (r Requirement) Valid() bool {
	switch r {
	case Required, Optional, Injected:
		return true
	}
	return false
}

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Requirement Requirement `json:"requirement" yaml:"requirement"`
	Default     any         `json:"default,omitempty" yaml:"default,omitempty"`
	Source      string      `json:"source,omitempty" yaml:"source,omitempty"` // context.<field>, injected only
	Type        string      `json:"type,omitempty" yaml:"type,omitempty"`     // hint, not enforced
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolContract is the declared parameter shape of one tool.
type ToolContract struct {
	ToolName   string               `json:"tool_name"`
	Capability string               `json:"capability,omitempty"`
	Params     map[string]ParamSpec `json:"params"`
	// InputSchema is a JSON Schema the adapted parameters must satisfy. Optional.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Key is "capability.tool", or the bare tool name without a capability.
func (c *ToolContract) Key() string {
	if c.Capability == "" {
		return c.ToolName
	}
	return c.Capability + "." + c.ToolName
}

// RequiredKeys returns the sorted names of REQUIRED parameters.
func (c *ToolContract) RequiredKeys() []string { return c.keys(Required) }

// InjectedKeys returns the sorted names of INJECTED parameters.
func (c *ToolContract) InjectedKeys() []string { return c.keys(Injected) }

// OptionalKeys returns the sorted names of OPTIONAL parameters.
func (c *ToolContract) OptionalKeys() []string { return c.keys(Optional) }

func (c *ToolContract) keys(r Requirement) []string {
	var out []string
	for name, p := range c.Params {
		if p.Requirement == r {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Validate checks the contract is well formed.
func (c *ToolContract) Validate() error {
	if c.ToolName == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "tool contract has no tool name")
	}
	for name, p := range c.Params {
		if !p.Requirement.Valid() {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"tool %q param %q: unknown requirement %q", c.Key(), name, p.Requirement)
		}
		if p.Requirement == Injected {
			if _, ok := expressions.SourcePath(p.Source); !ok {
				return schema.NewErrorf(schema.ErrCodeConfiguration,
					"tool %q param %q: injected source %q must look like context.<field>", c.Key(), name, p.Source)
			}
		}
	}
	return nil
}

func (c *ToolContract) String() string {
	return fmt.Sprintf("%s(%d params)", c.Key(), len(c.Params))
}
