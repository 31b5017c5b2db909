package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/playbook/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func decodeYAML(t *testing.T, src string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return doc
}

func violations(t *testing.T, err error) []string {
	t.Helper()
	pErr, ok := err.(*schema.PlaybookError)
	require.True(t, ok, "expected *schema.PlaybookError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, pErr.Code)
	v, _ := pErr.Details["violations"].([]string)
	return v
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newValidator(t)
	assert.Contains(t, v.documents, KindManifest)
	assert.Contains(t, v.documents, KindPlaybook)
}

func TestValidateManifest_Valid(t *testing.T) {
	v := newValidator(t)
	doc := decodeYAML(t, `
capability: web
version: "1"
tools:
  - name: search
    params:
      query: {requirement: required, type: string}
      limit: {requirement: optional, default: 10, type: integer}
      tenant: {requirement: injected, source: context.tenant_id}
`)
	assert.NoError(t, v.ValidateManifest(doc))
}

func TestValidateManifest_InjectedNeedsSource(t *testing.T) {
	v := newValidator(t)
	doc := decodeYAML(t, `
capability: web
tools:
  - name: search
    params:
      tenant: {requirement: injected}
`)
	err := v.ValidateManifest(doc)
	require.Error(t, err)
	assert.NotEmpty(t, violations(t, err))
}

func TestValidateManifest_BadRequirement(t *testing.T) {
	v := newValidator(t)
	doc := decodeYAML(t, `
capability: web
tools:
  - name: search
    params:
      q: {requirement: mandatory}
`)
	err := v.ValidateManifest(doc)
	require.Error(t, err)
	pErr := err.(*schema.PlaybookError)
	assert.Equal(t, KindManifest, pErr.Details["document"])
}

func TestValidateManifest_SourceMustBeContextPath(t *testing.T) {
	v := newValidator(t)
	doc := decodeYAML(t, `
capability: web
tools:
  - name: search
    params:
      tenant: {requirement: injected, source: inputs.tenant}
`)
	assert.Error(t, v.ValidateManifest(doc))
}

func TestValidatePlaybook_Minimal(t *testing.T) {
	v := newValidator(t)
	doc := decodeYAML(t, `
code: triage
agents: [{id: planner}]
steps:
  - {id: s1, tool: core.noop}
`)
	assert.NoError(t, v.ValidatePlaybook(doc))
}

func TestValidatePlaybook_Errors(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		src  string
	}{
		{"missing code", "agents: [{id: a}]\nsteps: [{id: s1, tool: core.noop}]"},
		{"no steps", "code: x\nagents: [{id: a}]\nsteps: []"},
		{"negative budget", "code: x\nagents: [{id: a}]\nbudget: {max_steps: -1}\nsteps: [{id: s1, tool: core.noop}]"},
		{"bad pattern", "code: x\nagents: [{id: a}]\ntopology: {default_pattern: mesh}\nsteps: [{id: s1, tool: core.noop}]"},
		{"unknown field", "code: x\nagents: [{id: a}]\nretries: 3\nsteps: [{id: s1, tool: core.noop}]"},
		{"step without tool", "code: x\nagents: [{id: a}]\nsteps: [{id: s1}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePlaybook(decodeYAML(t, tt.src))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidatePlaybook_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlaybook(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type":"object","required":["ticket"],"properties":{"ticket":{"type":"string"},"priority":{"type":"integer","minimum":1}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"ticket": "T-1", "priority": 2}, inputSchema))

	err := v.ValidateInput(map[string]any{"priority": 0}, inputSchema)
	require.Error(t, err)
	assert.Len(t, violations(t, err), 2)
}

func TestValidateInput_EmptySchema(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateInput(map[string]any{}, []byte(`{not json`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidateInput_CacheConcurrent(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{"n": i}, inputSchema))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
