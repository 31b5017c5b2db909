package contracts

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/playbook/pkg/schema"
)

// InjectSourceKey is the JSON Schema extension naming a context source path.
const InjectSourceKey = "x-inject-source"

// InjectFrom marks an MCP tool property as injected from the execution context.
func InjectFrom(source string) mcp.PropertyOption {
	return func(prop map[string]any) {
		prop[InjectSourceKey] = source
	}
}

type mcpInputSchema struct {
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required"`
}

type mcpToolDoc struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// FromMCPTools builds contracts from MCP tool declarations: required
// properties are REQUIRED, properties carrying x-inject-source are INJECTED,
// and everything else is OPTIONAL with the property default, if any. The
// declared input schema becomes the contract's InputSchema.
func FromMCPTools(capability string, tools []mcp.Tool) ([]*ToolContract, error) {
	out := make([]*ToolContract, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "encode MCP tool %q", tool.Name).WithCause(err)
		}
		var doc mcpToolDoc
		var in mcpInputSchema
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode MCP tool %q", tool.Name).WithCause(err)
		}
		if len(doc.InputSchema) > 0 {
			if err := json.Unmarshal(doc.InputSchema, &in); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode input schema of MCP tool %q", tool.Name).WithCause(err)
			}
		}

		required := make(map[string]bool, len(in.Required))
		for _, name := range in.Required {
			required[name] = true
		}

		params := make(map[string]ParamSpec, len(in.Properties))
		for name, prop := range in.Properties {
			spec := ParamSpec{Requirement: Optional}
			spec.Type, _ = prop["type"].(string)
			spec.Description, _ = prop["description"].(string)
			source, _ := prop[InjectSourceKey].(string)
			switch {
			case source != "":
				spec.Requirement = Injected
				spec.Source = source
			case required[name]:
				spec.Requirement = Required
			default:
				spec.Default = prop["default"]
			}
			params[name] = spec
		}

		c := &ToolContract{ToolName: doc.Name, Capability: capability, Params: params, InputSchema: doc.InputSchema}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
