// Package adapter turns raw step parameters into tool-ready arguments
// through an ordered pipeline of stages.
package adapter

import (
	"context"
	"log/slog"
	"maps"

	"github.com/rendis/playbook/internal/contracts"
	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// Request carries one adaptation through the stages. Stages mutate Params
// in place; it is always a private copy of the caller's map.
type Request struct {
	Tool     string
	Params   map[string]any
	Context  schema.ExecutionContext
	Contract *contracts.ToolContract // nil when the tool has no contract
	// Renames apply to this request only, after the mapping stage's rules.
	Renames []Rename
}

// Stage is one step of the adaptation pipeline.
type Stage interface {
	Name() string
	Apply(ctx context.Context, req *Request) error
}

// Adapter runs its stages in order and stops at the first failure.
type Adapter struct {
	contracts *contracts.Registry
	stages    []Stage
	schemas   *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithInputSchemas makes the validation stage of the default pipeline check
// parameters against the contract's input schema.
func WithInputSchemas(v *validation.JSONSchemaValidator) Option {
	return func(a *Adapter) { a.schemas = v }
}

// WithStages replaces the default pipeline.
func WithStages(stages ...Stage) Option {
	return func(a *Adapter) { a.stages = stages }
}

// New builds the default mapping, contract, validation pipeline.
func New(registry *contracts.Registry, mappings *MappingStage, jq *expressions.GoJQEngine, opts ...Option) *Adapter {
	if mappings == nil {
		mappings = NewMappingStage(nil)
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if registry == nil {
		registry = contracts.NewRegistry()
	}
	a := &Adapter{contracts: registry}
	for _, opt := range opts {
		opt(a)
	}
	if a.stages == nil {
		a.stages = []Stage{
			mappings,
			NewContractStage(jq),
			NewValidationStage(a.schemas),
		}
	}
	a.logger = logging.OrDiscard(a.logger)
	return a
}

// Adapt returns the adapted parameters for tool. raw is never mutated.
// renames apply to this call only. Without a registered contract only
// renames apply.
func (a *Adapter) Adapt(ctx context.Context, tool string, raw map[string]any, ec schema.ExecutionContext, renames ...Rename) (map[string]any, error) {
	req := &Request{
		Tool:    tool,
		Params:  make(map[string]any, len(raw)),
		Context: ec,
		Renames: renames,
	}
	maps.Copy(req.Params, raw)
	if c, ok := a.contracts.Lookup(tool); ok {
		req.Contract = c
	}

	for _, s := range a.stages {
		if err := s.Apply(ctx, req); err != nil {
			logging.LogWith(ctx, a.logger).Debug("parameter adaptation failed",
				"tool", tool, "stage", s.Name(), "error", err)
			return nil, err
		}
	}
	return req.Params, nil
}

// Contracts returns the registry the adapter resolves contracts from.
func (a *Adapter) Contracts() *contracts.Registry { return a.contracts }
