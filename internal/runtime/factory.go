package runtime

import (
	"slices"
	"sync"

	"github.com/rendis/playbook/pkg/schema"
)

// Scores used by GetRuntime.
const (
	scoreBase             = 10
	scoreRequiredCaps     = 20
	scoreDurableForHigh   = 15
	scoreSimpleForHigh    = -10
	scoreResumeOrApproval = 10
)

// Factory selects a runtime per execution profile. Safe for concurrent use.
type Factory struct {
	mu       sync.RWMutex
	ports    []Port // registration order
	byName   map[string]Port
	fallback string
}

// NewFactory registers ports in order.
func NewFactory(ports ...Port) (*Factory, error) {
	f := &Factory{byName: make(map[string]Port)}
	for _, p := range ports {
		if err := f.Register(p); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Register adds a runtime. Names are unique.
func (f *Factory) Register(p Port) error {
	if p == nil || p.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "runtime must have a name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[p.Name()]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "runtime %q already registered", p.Name())
	}
	f.ports = append(f.ports, p)
	f.byName[p.Name()] = p
	return nil
}

// SetDefault designates the fallback runtime. It must be registered.
func (f *Factory) SetDefault(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "runtime %q not registered", name)
	}
	f.fallback = name
	return nil
}

// Get returns a runtime by name.
func (f *Factory) Get(name string) (Port, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "runtime %q not registered", name)
	}
	return p, nil
}

// Names lists registered runtimes in registration order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.ports))
	for i, p := range f.ports {
		out[i] = p.Name()
	}
	return out
}

// GetRuntime returns the best-scoring runtime that supports profile and has
// every required capability. Ties go to the earliest registered. With no
// candidate the default runtime is returned; without a default the call
// fails with CONFIGURATION_ERROR.
func (f *Factory) GetRuntime(profile Profile) (Port, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var (
		best      Port
		bestScore int
	)
	for _, p := range f.ports {
		if !p.Supports(profile) || !hasAll(p.Capabilities(), profile.RequiredCapabilities) {
			continue
		}
		s := score(p, profile)
		if best == nil || s > bestScore {
			best, bestScore = p, s
		}
	}
	if best != nil {
		return best, nil
	}
	if p, ok := f.byName[f.fallback]; ok {
		return p, nil
	}
	return nil, schema.NewError(schema.ErrCodeConfiguration, "no runtime supports the execution profile and no default is set").
		WithDetails(map[string]any{"required_capabilities": profile.RequiredCapabilities, "registered": len(f.ports)})
}

func score(p Port, profile Profile) int {
	caps := p.Capabilities()
	s := scoreBase
	if hasAll(caps, profile.RequiredCapabilities) {
		s += scoreRequiredCaps
	}
	if profile.SideEffectLevel == SideEffectHigh {
		switch p.Mode() {
		case ModeDurable:
			s += scoreDurableForHigh
		case ModeSimple:
			s += scoreSimpleForHigh
		}
	}
	if (profile.NeedsResumability && slices.Contains(caps, CapResume)) ||
		(profile.NeedsApproval && slices.Contains(caps, CapApproval)) {
		s += scoreResumeOrApproval
	}
	return s
}
