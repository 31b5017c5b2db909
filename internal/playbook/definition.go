// Package playbook loads playbook definitions and drives their multi-agent
// loop over the orchestrator, a selected runtime and the control plane.
package playbook

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/orchestrator"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// Definition is a declarative playbook.
type Definition struct {
	Code         string                      `yaml:"code" json:"code"`
	Name         string                      `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Agents       []schema.AgentDefinition    `yaml:"agents" json:"agents"`
	Topology     schema.TopologyRouting      `yaml:"topology,omitempty" json:"topology,omitempty"`
	Budget       orchestrator.LoopBudget     `yaml:"budget,omitempty" json:"budget,omitempty"`
	Stop         orchestrator.StopConditions `yaml:"stop,omitempty" json:"stop,omitempty"`
	Profile      runtime.Profile             `yaml:"profile,omitempty" json:"profile,omitempty"`
	Runtime      string                      `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	InputsSchema map[string]any              `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`
	Mappings     map[string][]adapter.Rename `yaml:"mappings,omitempty" json:"mappings,omitempty"`
	Steps        []schema.StepSpec           `yaml:"steps" json:"steps"`

	// Path is the file the definition was read from, if any.
	Path string `yaml:"-" json:"-"`
}

// StepsFor returns the steps agentID runs, in declaration order. Steps with
// no agent belong to entry, the agent the loop starts from.
func (d *Definition) StepsFor(agentID, entry string) []schema.StepSpec {
	var out []schema.StepSpec
	for _, s := range d.Steps {
		owner := s.Agent
		if owner == "" {
			owner = entry
		}
		if owner == agentID {
			out = append(out, s)
		}
	}
	return out
}

// definitionExts are the file extensions Discover picks up.
var definitionExts = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
}

// Loader parses and validates playbook definitions.
type Loader struct {
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

func NewLoader(v *validation.JSONSchemaValidator, logger *slog.Logger) *Loader {
	return &Loader{validator: v, logger: logging.OrDiscard(logger)}
}

// Parse decodes a YAML or JSON definition, validates it against the
// playbook schema and checks its steps against the roster.
func (l *Loader) Parse(data []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook is not valid YAML or JSON").WithCause(err)
	}
	if l.validator != nil {
		if err := l.validator.ValidatePlaybook(doc); err != nil {
			return nil, err
		}
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode playbook").WithCause(err)
	}

	result := validation.CheckSteps(def.Steps, def.Agents)
	for _, w := range result.Warnings {
		l.logger.Warn("playbook step warning", "playbook", def.Code, "path", w.Path, "message", w.Message)
	}
	if err := result.ToError(schema.ErrCodeValidation); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateInputs checks inputs against the definition's inputs_schema.
// A definition without one accepts any inputs.
func (l *Loader) ValidateInputs(def *Definition, inputs map[string]any) error {
	if len(def.InputsSchema) == 0 || l.validator == nil {
		return nil
	}
	raw, err := json.Marshal(def.InputsSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "inputs_schema of %q is not JSON-compatible", def.Code).WithCause(err)
	}
	return l.validator.ValidateInput(inputs, raw)
}

// Discover parses every definition file under fsys in lexical path order.
// Duplicate codes are a CONFLICT.
func (l *Loader) Discover(fsys fs.FS) ([]*Definition, error) {
	var defs []*Definition
	byCode := map[string]string{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !definitionExts[strings.ToLower(path.Ext(p))] {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		def, err := l.Parse(data)
		if err != nil {
			var pErr *schema.PlaybookError
			if errors.As(err, &pErr) {
				pErr.Message = p + ": " + pErr.Message
			}
			return err
		}
		if prev, dup := byCode[def.Code]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "%s: playbook %q already defined in %s", p, def.Code, prev)
		}
		byCode[def.Code] = p
		def.Path = p
		l.logger.Debug("playbook discovered", "path", p, "code", def.Code, "agents", len(def.Agents), "steps", len(def.Steps))
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeConfiguration, "discover playbooks").WithCause(err)
	}
	return defs, nil
}
