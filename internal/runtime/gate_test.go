package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/pkg/schema"
)

// quotaGate admits the first quota steps.
type quotaGate struct {
	mu       sync.Mutex
	quota    int
	admitted int
	released []StepOutcome
}

func (g *quotaGate) Acquire(context.Context, schema.StepSpec) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admitted >= g.quota {
		return false
	}
	g.admitted++
	return true
}

func (g *quotaGate) Release(_ context.Context, out StepOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, out)
}

func TestSimpleRuntime_GateStopsBeforeStep(t *testing.T) {
	h := newHarness(t)
	gate := &quotaGate{quota: 1}

	res, err := NewSimpleRuntime(h.steps).Execute(context.Background(), h.run, schema.ExecutionContext{}, Inputs{
		Steps: []schema.StepSpec{echoStep("a", nil), echoStep("b", nil), echoStep("c", nil)},
		Gate:  gate,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.Nil(t, res.Error)
	assert.Len(t, res.Steps, 1)
	assert.Contains(t, res.Outputs, "a")
	assert.NotContains(t, res.Outputs, "b")
	assert.Len(t, h.stepRuns(t), 1, "refused steps are never recorded")

	require.Len(t, gate.released, 1)
	assert.Equal(t, "a", gate.released[0].StepID)
	assert.True(t, gate.released[0].ToolCalled)
}

func TestDurable_GateStopIsFinal(t *testing.T) {
	h, d := newDurable(t)
	ctx := context.Background()

	res, err := d.Execute(ctx, h.run, execIn("g1"), Inputs{
		Steps: []schema.StepSpec{echoStep("a", nil), echoStep("b", nil)},
		Gate:  &quotaGate{quota: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, 1, res.Checkpoint.NextStep)
	assert.Len(t, h.stepRuns(t), 1)

	_, err = d.Resume(ctx, "g1", ResumeOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestDurable_ResumeTakesGate(t *testing.T) {
	h, d := newDurable(t)
	ctx := context.Background()

	res, err := d.Execute(ctx, h.run, execIn("g2"), Inputs{
		Steps: []schema.StepSpec{echoStep("a", nil), gated("b")},
		Gate:  &quotaGate{quota: 10},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)

	res, err = d.Resume(ctx, "g2", ResumeOptions{Approve: true, Gate: &quotaGate{}})
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.Len(t, h.stepRuns(t), 1)
}

func TestStepRunner_CallRenames(t *testing.T) {
	h := newHarness(t)
	renames := map[string][]adapter.Rename{"core.echo": {{From: "x", To: "y"}}}

	res, err := NewSimpleRuntime(h.steps).Execute(context.Background(), h.run, schema.ExecutionContext{}, Inputs{
		Steps:   []schema.StepSpec{echoStep("s", map[string]any{"x": 1})},
		Renames: renames,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": 1}, res.Outputs["s"])

	res, err = NewSimpleRuntime(h.steps).Execute(context.Background(), h.run, schema.ExecutionContext{}, Inputs{
		Steps: []schema.StepSpec{echoStep("t", map[string]any{"x": 1})},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, res.Outputs["t"], "renames belong to the call that carried them")
}

func TestDurable_RenamesSurviveRestart(t *testing.T) {
	h, d := newDurable(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, h.run, execIn("g3"), Inputs{
		Steps:   []schema.StepSpec{gated("b")},
		Renames: map[string][]adapter.Rename{"core.echo": {{From: "id", To: "key"}}},
	})
	require.NoError(t, err)

	restarted := NewDurableRuntime(h.steps)
	_, err = restarted.Load(ctx, h.run.ID, "g3")
	require.NoError(t, err)
	res, err := restarted.Resume(ctx, "g3", ResumeOptions{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"key": "b"}, res.Outputs["b"])
}
