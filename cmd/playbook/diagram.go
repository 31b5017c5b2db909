package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rendis/playbook/internal/diagram"
	"github.com/rendis/playbook/internal/orchestrator"
	"github.com/rendis/playbook/internal/playbook"
)

func cmdDiagram(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, png or svg")
	out := fs.String("o", "", "output file (default stdout)")
	runID := fs.String("run", "", "overlay the state of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("diagram needs exactly one playbook file or code")
	}
	def, err := a.definition(fs.Arg(0))
	if err != nil {
		return err
	}

	model, err := buildDiagram(def)
	if err != nil {
		return err
	}
	if *runID != "" {
		if err := overlayRun(ctx, a, model, *runID); err != nil {
			return err
		}
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case diagram.FormatPNG, diagram.FormatSVG:
		if data, err = diagram.RenderImage(ctx, model, *format); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown diagram format %q", *format)
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

// buildDiagram validates the topology the way a run would and starts the
// diagram at the agent a run would start with.
func buildDiagram(def *playbook.Definition) (*diagram.DiagramModel, error) {
	orch, err := orchestrator.New(orchestrator.Config{
		ExecutionID: "diagram",
		Roster:      def.Agents,
		Topology:    def.Topology,
		Budget:      def.Budget,
		Stop:        def.Stop,
	})
	if err != nil {
		return nil, err
	}
	top := diagram.Topology{Title: def.Code, Roster: def.Agents, Topology: def.Topology}
	if def.Name != "" {
		top.Title = def.Name
	}
	if entry := orch.NextAgents(""); len(entry) > 0 {
		top.Entry = entry[0]
	}
	return diagram.Build(top), nil
}

func overlayRun(ctx context.Context, a *app, model *diagram.DiagramModel, runID string) error {
	run, err := a.registry.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := a.registry.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	var visited []string
	if run.OutputRef != "" {
		outputs, err := a.registry.GetRunOutputs(ctx, run.ID)
		if err != nil {
			return err
		}
		raw, _ := outputs[playbook.OutputVisited].([]any)
		for _, v := range raw {
			if id, ok := v.(string); ok {
				visited = append(visited, id)
			}
		}
	}
	model.Overlay(steps, visited)
	return nil
}
