package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/internal/contracts"
	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/tools"
	"github.com/rendis/playbook/pkg/schema"
)

type harness struct {
	bs        *store.FSStore
	reg       *controlplane.Registry
	contracts *contracts.Registry
	tools     *tools.Registry
	steps     *StepRunner
	events    *streaming.Recorder
	run       *controlplane.Run
}

func newHarness(t *testing.T, opts ...StepRunnerOption) *harness {
	t.Helper()
	ctx := context.Background()
	bs, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{bs: bs, contracts: contracts.NewRegistry(), tools: tools.NewRegistry(nil, nil), events: &streaming.Recorder{}}
	h.reg, err = controlplane.Open(ctx, bs, controlplane.WithSink(h.events))
	require.NoError(t, err)
	h.steps = NewStepRunner(h.reg, adapter.New(h.contracts, nil, nil), h.tools, opts...)

	h.run, err = h.reg.CreateRun(ctx, controlplane.CreateRunRequest{
		PlaybookCode: "test",
		Context:      schema.NewExecutionContext(schema.WithTenant("t-1"), schema.WithWorkspace("ws-1")),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) register(t *testing.T, name string, fn tools.HandlerFunc) {
	t.Helper()
	require.NoError(t, h.tools.Register(tools.Func(name, fn)))
}

func (h *harness) stepRuns(t *testing.T) []*controlplane.StepRun {
	t.Helper()
	steps, err := h.reg.ListStepRuns(context.Background(), h.run.ID)
	require.NoError(t, err)
	return steps
}

func echoStep(id string, params map[string]any) schema.StepSpec {
	return schema.StepSpec{ID: id, Tool: string(tools.BuiltinEcho), Params: params}
}

// stubPort is a Port with fixed self-description.
type stubPort struct {
	name     string
	mode     Mode
	caps     []string
	supports bool
}

func (p *stubPort) Name() string           { return p.name }
func (p *stubPort) Mode() Mode             { return p.mode }
func (p *stubPort) Capabilities() []string { return p.caps }
func (p *stubPort) Supports(Profile) bool  { return p.supports }
func (p *stubPort) Execute(context.Context, *controlplane.Run, schema.ExecutionContext, Inputs) (*Result, error) {
	return &Result{Status: StatusCompleted}, nil
}
