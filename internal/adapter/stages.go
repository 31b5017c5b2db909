package adapter

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// Rename moves a parameter from one key to another.
type Rename struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// MappingStage applies ordered per-tool renames: its fixed rules, then the
// request's own. A rename is skipped when From is absent or To is already
// present, so it never overwrites a value and running it twice changes nothing.
type MappingStage struct {
	rules map[string][]Rename
}

// NewMappingStage copies rules; they never change afterwards.
func NewMappingStage(rules map[string][]Rename) *MappingStage {
	m := &MappingStage{rules: make(map[string][]Rename, len(rules))}
	for tool, rs := range rules {
		m.rules[tool] = slices.Clone(rs)
	}
	return m
}

func (m *MappingStage) Name() string { return "mapping" }

func (m *MappingStage) Apply(_ context.Context, req *Request) error {
	rename(req.Params, m.rules[req.Tool])
	rename(req.Params, req.Renames)
	return nil
}

func rename(params map[string]any, renames []Rename) {
	for _, r := range renames {
		v, ok := params[r.From]
		if !ok {
			continue
		}
		if _, exists := params[r.To]; exists {
			continue
		}
		params[r.To] = v
		delete(params, r.From)
	}
}

// ContractStage fills INJECTED parameters from the execution context, then
// OPTIONAL defaults. Neither ever replaces a key the caller supplied.
type ContractStage struct {
	jq *expressions.GoJQEngine
}

func NewContractStage(jq *expressions.GoJQEngine) *ContractStage {
	return &ContractStage{jq: jq}
}

func (s *ContractStage) Name() string { return "contract" }

func (s *ContractStage) Apply(ctx context.Context, req *Request) error {
	c := req.Contract
	if c == nil {
		return nil
	}

	injected := c.InjectedKeys()
	if len(injected) > 0 {
		ecMap := req.Context.AsMap()
		for _, key := range injected {
			if _, present := req.Params[key]; present {
				continue
			}
			path, ok := expressions.SourcePath(c.Params[key].Source)
			if !ok {
				continue
			}
			if v, found := s.jq.Lookup(ctx, ecMap, path); found {
				req.Params[key] = v
			}
		}
	}

	for _, key := range c.OptionalKeys() {
		if _, present := req.Params[key]; present {
			continue
		}
		if d := c.Params[key].Default; d != nil {
			req.Params[key] = d
		}
	}
	return nil
}

// ValidationStage fails when any REQUIRED key is missing after adaptation,
// then, given a validator, when the parameters violate the contract's
// input schema.
type ValidationStage struct {
	schemas *validation.JSONSchemaValidator
}

// NewValidationStage checks input schemas with v; nil checks required keys only.
func NewValidationStage(v *validation.JSONSchemaValidator) *ValidationStage {
	return &ValidationStage{schemas: v}
}

func (*ValidationStage) Name() string { return "validation" }

func (s *ValidationStage) Apply(_ context.Context, req *Request) error {
	c := req.Contract
	if c == nil {
		return nil
	}
	var missing []string
	for _, key := range c.RequiredKeys() {
		if _, ok := req.Params[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeAdaptation,
			"tool %q is missing required parameters: %s", req.Tool, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"tool": req.Tool, "missing": missing})
	}

	if s.schemas == nil || len(c.InputSchema) == 0 {
		return nil
	}
	err := s.schemas.ValidateInput(req.Params, c.InputSchema)
	if err == nil {
		return nil
	}
	msg, details := err.Error(), map[string]any{"tool": req.Tool}
	var pErr *schema.PlaybookError
	if errors.As(err, &pErr) {
		msg = pErr.Message
		if v, ok := pErr.Details["violations"]; ok {
			details["violations"] = v
		}
	}
	return schema.NewErrorf(schema.ErrCodeAdaptation,
		"tool %q parameters do not match its input schema: %s", req.Tool, msg).
		WithCause(err).
		WithDetails(details)
}

var (
	_ Stage = (*MappingStage)(nil)
	_ Stage = (*ContractStage)(nil)
	_ Stage = (*ValidationStage)(nil)
)
