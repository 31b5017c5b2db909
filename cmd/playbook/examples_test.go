package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/diagram"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/playbook"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/pkg/schema"
)

func examplesApp(t *testing.T) *app {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "examples", "playbooks"))
	require.NoError(t, err)
	t.Setenv("PLAYBOOK_HOME", t.TempDir())
	t.Setenv("PLAYBOOK_DIR", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestExamples_Register(t *testing.T) {
	a := examplesApp(t)
	assert.Equal(t, []string{"draft-refine", "research-fanout", "ticket-triage"}, a.runner.Codes())
}

func TestExamples_Refine(t *testing.T) {
	a := examplesApp(t)
	def, err := a.definition("draft-refine")
	require.NoError(t, err)

	out, err := a.runner.Run(context.Background(), def, schema.NewExecutionContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, out.Run.Status)
	assert.Equal(t, []string{"definition_of_done"}, out.StopReason)
	assert.Equal(t, []string{"writer", "critic"}, out.State.VisitedAgents)
}

func TestExamples_Fanout(t *testing.T) {
	a := examplesApp(t)
	def, err := a.definition("research-fanout")
	require.NoError(t, err)

	out, err := a.runner.Run(context.Background(), def, schema.NewExecutionContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, out.Run.Status)
	assert.ElementsMatch(t, []string{"lead", "web", "docs", "summarizer"}, out.State.VisitedAgents)
	assert.Equal(t, 3, out.State.Iterations)

	outputs, err := a.registry.GetRunOutputs(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Len(t, outputs[playbook.OutputVisited], 4)

	steps, err := a.registry.ListStepRuns(context.Background(), out.Run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for _, s := range steps {
		assert.Equal(t, schema.StepStatusCompleted, s.Status, s.StepID)
	}
}

func TestExamples_TriageNeedsApproval(t *testing.T) {
	a := examplesApp(t)
	def, err := a.definition("ticket-triage")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.runner.Run(ctx, def, schema.NewExecutionContext(), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "inputs_schema requires a ticket")

	out, err := a.runner.Run(ctx, def, schema.NewExecutionContext(schema.WithActor("alice")), map[string]any{"ticket": "T-1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.DurableName, out.Runtime)
	require.Len(t, out.Paused, 1)
	assert.Equal(t, schema.RunStatusRunning, out.Run.Status)

	out, err = a.runner.Resume(ctx, out.Run.ID, runtime.ResumeOptions{Approve: true, ApprovedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, out.Run.Status)
	assert.Empty(t, out.Paused)
}

func TestExamples_Diagram(t *testing.T) {
	a := examplesApp(t)
	def, err := a.definition("research-fanout")
	require.NoError(t, err)
	model, err := buildDiagram(def)
	require.NoError(t, err)

	assert.Equal(t, "Parallel research", model.Title)
	assert.Equal(t, diagram.NodeKindEntry, model.Node("lead").Kind)
	assert.Equal(t, [][]string{{diagram.StartID}, {"lead"}, {"web", "docs"}, {"summarizer"}, {diagram.EndID}}, model.Levels)

	out, err := a.runner.Run(context.Background(), def, schema.NewExecutionContext(), nil)
	require.NoError(t, err)
	require.NoError(t, overlayRun(context.Background(), a, model, out.Run.ID))
	assert.Equal(t, diagram.StatusCompleted, model.Node("summarizer").Status.Status)
	assert.Equal(t, 1, model.Node("lead").Status.Steps)
}
