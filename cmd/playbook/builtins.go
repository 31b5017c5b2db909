package main

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/playbook/internal/contracts"
)

// coreCapability prefixes the built-in tools, e.g. core.jq.
const coreCapability = "core"

// coreToolDecls declares the parameters of the built-ins that take any, so
// adaptation rejects a missing program before dispatch.
func coreToolDecls() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("expr",
			mcp.WithDescription("Evaluate an expr-lang expression"),
			mcp.WithString("expression", mcp.Required(), mcp.Description("Expression source")),
			mcp.WithObject("vars", mcp.Description("Expression environment; defaults to the remaining params")),
		),
		mcp.NewTool("jq",
			mcp.WithDescription("Run a jq query"),
			mcp.WithString("query", mcp.Required(), mcp.Description("jq program")),
			mcp.WithObject("input", mcp.Description("Query input; defaults to the remaining params")),
		),
	}
}

func registerCoreContracts(r *contracts.Registry) error {
	cs, err := contracts.FromMCPTools(coreCapability, coreToolDecls())
	if err != nil {
		return err
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
