package contracts

import (
	"errors"
	"io/fs"
	"log/slog"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// manifestNames are the file names Discover picks up, in any directory.
var manifestNames = map[string]bool{
	"manifest.yaml": true,
	"manifest.yml":  true,
	"manifest.json": true,
}

// Manifest is an installed capability's tool declarations.
type Manifest struct {
	Capability  string         `yaml:"capability"`
	Version     string         `yaml:"version,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Tools       []ManifestTool `yaml:"tools"`

	// Path is the file the manifest was read from, if any.
	Path string `yaml:"-"`
}

// ManifestTool declares one tool of a capability.
type ManifestTool struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Params      map[string]ParamSpec `yaml:"params,omitempty"`
}

// Contracts converts the manifest's tools into contracts.
func (m *Manifest) Contracts() []*ToolContract {
	out := make([]*ToolContract, 0, len(m.Tools))
	for _, t := range m.Tools {
		params := make(map[string]ParamSpec, len(t.Params))
		for k, p := range t.Params {
			params[k] = p
		}
		out = append(out, &ToolContract{ToolName: t.Name, Capability: m.Capability, Params: params})
	}
	return out
}

// Loader parses and discovers manifests.
type Loader struct {
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

func NewLoader(v *validation.JSONSchemaValidator, logger *slog.Logger) *Loader {
	return &Loader{validator: v, logger: logging.OrDiscard(logger)}
}

// Parse decodes a YAML or JSON manifest and validates it against the manifest schema.
func (l *Loader) Parse(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "manifest is not valid YAML or JSON").WithCause(err)
	}
	if l.validator != nil {
		if err := l.validator.ValidateManifest(doc); err != nil {
			return nil, err
		}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode manifest").WithCause(err)
	}
	return &m, nil
}

// Discover walks fsys once and parses every manifest file it finds, in
// lexical path order. A single bad manifest fails the whole discovery.
func (l *Loader) Discover(fsys fs.FS) ([]*Manifest, error) {
	var manifests []*Manifest
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !manifestNames[path.Base(p)] {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		m, err := l.Parse(data)
		if err != nil {
			var pErr *schema.PlaybookError
			if errors.As(err, &pErr) {
				pErr.Message = p + ": " + pErr.Message
			}
			return err
		}
		m.Path = p
		l.logger.Debug("manifest discovered", "path", p, "capability", m.Capability, "tools", len(m.Tools))
		manifests = append(manifests, m)
		return nil
	})
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeConfiguration, "discover manifests").WithCause(err)
	}
	return manifests, nil
}

// Load discovers every manifest in fsys and registers its tools into r.
func (l *Loader) Load(fsys fs.FS, r *Registry) error {
	manifests, err := l.Discover(fsys)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if err := r.Extend(m); err != nil {
			return err
		}
	}
	l.logger.Info("tool contracts loaded", "manifests", len(manifests), "contracts", r.Len())
	return nil
}
