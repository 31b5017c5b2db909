package schema

import (
	"encoding/json"
	"maps"
)

// Field names resolvable through ExecutionContext.Field.
const (
	FieldWorkspaceID = "workspace_id"
	FieldProfileID   = "profile_id"
	FieldTenantID    = "tenant_id"
	FieldActorID     = "actor_id"
	FieldExecutionID = "execution_id"
	FieldExtensions  = "extensions"
)

// ExecutionContext carries the identifiers threaded through every operation.
// It is immutable once built: all fields are unexported and extension values
// are copied on the way in and on the way out.
type ExecutionContext struct {
	workspaceID string
	profileID   string
	tenantID    string
	actorID     string
	executionID string
	extensions  map[string]any
}

// ContextOption configures an ExecutionContext under construction.
type ContextOption func(*ExecutionContext)

// WithWorkspace sets the workspace ID.
func WithWorkspace(id string) ContextOption {
	return func(c *ExecutionContext) { c.workspaceID = id }
}

// WithProfile sets the profile ID.
func WithProfile(id string) ContextOption {
	return func(c *ExecutionContext) { c.profileID = id }
}

// WithTenant sets the tenant ID.
func WithTenant(id string) ContextOption {
	return func(c *ExecutionContext) { c.tenantID = id }
}

// WithActor sets the actor ID.
func WithActor(id string) ContextOption {
	return func(c *ExecutionContext) { c.actorID = id }
}

// WithExecution sets the execution ID.
func WithExecution(id string) ContextOption {
	return func(c *ExecutionContext) { c.executionID = id }
}

// WithExtension sets one extension value.
func WithExtension(key string, value any) ContextOption {
	return func(c *ExecutionContext) {
		if c.extensions == nil {
			c.extensions = make(map[string]any)
		}
		c.extensions[key] = value
	}
}

// NewExecutionContext builds an immutable ExecutionContext.
func NewExecutionContext(opts ...ContextOption) ExecutionContext {
	var c ExecutionContext
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Derive returns a copy of c with opts applied. c itself is unchanged.
func (c ExecutionContext) Derive(opts ...ContextOption) ExecutionContext {
	out := c
	out.extensions = maps.Clone(c.extensions)
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func (c ExecutionContext) WorkspaceID() string { return c.workspaceID }
func (c ExecutionContext) ProfileID() string   { return c.profileID }
func (c ExecutionContext) TenantID() string    { return c.tenantID }
func (c ExecutionContext) ActorID() string     { return c.actorID }
func (c ExecutionContext) ExecutionID() string { return c.executionID }

// Extension returns a single extension value.
func (c ExecutionContext) Extension(key string) (any, bool) {
	v, ok := c.extensions[key]
	return v, ok
}

// Extensions returns a copy of the extension map.
func (c ExecutionContext) Extensions() map[string]any {
	return maps.Clone(c.extensions)
}

// Field resolves a named identifier, falling back to extensions.
// Empty identifiers are reported as absent.
func (c ExecutionContext) Field(name string) (any, bool) {
	var v string
	switch name {
	case FieldWorkspaceID:
		v = c.workspaceID
	case FieldProfileID:
		v = c.profileID
	case FieldTenantID:
		v = c.tenantID
	case FieldActorID:
		v = c.actorID
	case FieldExecutionID:
		v = c.executionID
	default:
		return c.Extension(name)
	}
	return v, v != ""
}

// AsMap returns a JSON-shaped view of the context: identifiers at the top
// level and extensions both under "extensions" and flattened alongside them.
// Identifiers win over extensions with the same name.
func (c ExecutionContext) AsMap() map[string]any {
	out := make(map[string]any, len(c.extensions)+6)
	for k, v := range c.extensions {
		out[k] = v
	}
	out[FieldExtensions] = maps.Clone(c.extensions)
	for k, v := range map[string]string{
		FieldWorkspaceID: c.workspaceID,
		FieldProfileID:   c.profileID,
		FieldTenantID:    c.tenantID,
		FieldActorID:     c.actorID,
		FieldExecutionID: c.executionID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

type executionContextJSON struct {
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ProfileID   string         `json:"profile_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Extensions  map[string]any `json:"extensions,omitempty"`
}

func (c ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(executionContextJSON{
		WorkspaceID: c.workspaceID,
		ProfileID:   c.profileID,
		TenantID:    c.tenantID,
		ActorID:     c.actorID,
		ExecutionID: c.executionID,
		Extensions:  c.extensions,
	})
}

func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var raw executionContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ExecutionContext{
		workspaceID: raw.WorkspaceID,
		profileID:   raw.ProfileID,
		tenantID:    raw.TenantID,
		actorID:     raw.ActorID,
		executionID: raw.ExecutionID,
		extensions:  raw.Extensions,
	}
	return nil
}
