package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/playbook/pkg/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Document kinds with an embedded schema.
const (
	KindManifest = "manifest"
	KindPlaybook = "playbook"
)

const schemaBaseURL = "https://playbook.dev/schemas/"

// JSONSchemaValidator validates capability manifests, playbook definitions
// and caller inputs using JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	documents map[string]*jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded document schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	docs := make(map[string]*jsonschema.Schema, 2)
	for _, kind := range []string{KindManifest, KindPlaybook} {
		raw, err := schemaFS.ReadFile("schemas/" + kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", kind, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		url := schemaBaseURL + kind + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		docs[kind] = compiled
	}

	return &JSONSchemaValidator{
		documents: docs,
		cache:     make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateManifest validates a decoded capability manifest document.
func (v *JSONSchemaValidator) ValidateManifest(doc any) error {
	return v.validateDocument(KindManifest, doc)
}

// ValidatePlaybook validates a decoded playbook definition document.
func (v *JSONSchemaValidator) ValidatePlaybook(doc any) error {
	return v.validateDocument(KindPlaybook, doc)
}

func (v *JSONSchemaValidator) validateDocument(kind string, doc any) error {
	if doc == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s document is empty", kind)
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s document is not JSON-compatible", kind).WithCause(err)
	}
	if err := v.documents[kind].Validate(value); err != nil {
		pErr := toPlaybookError(err)
		if pErr.Details == nil {
			pErr.Details = map[string]any{}
		}
		pErr.Details["document"] = kind
		return pErr
	}
	return nil
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by content. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toPlaybookError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("playbook://input-schema/%d", len(v.cache))

	// A fresh compiler per schema keeps resource URLs from colliding.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toPlaybookError flattens a jsonschema.ValidationError into leaf violations.
func toPlaybookError(err error) *schema.PlaybookError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
