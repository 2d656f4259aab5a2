// Package execution holds the unit of work carried by one broker message.
package execution

import (
	"maps"
	"time"
)

// Fields is the mutable form used to build a Context.
type Fields struct {
	PrimaryEntityName  string         `json:"primaryEntityName"`
	PrimaryEntityID    string         `json:"primaryEntityId"`
	MessageName        string         `json:"messageName"`
	InputParameters    map[string]any `json:"inputParameters,omitempty"`
	OrganizationName   string         `json:"organizationName,omitempty"`
	InitiatingUserID   string         `json:"initiatingUserId,omitempty"`
	CorrelationID      string         `json:"correlationId,omitempty"`
	Depth              int            `json:"depth,omitempty"`
	Stage              int            `json:"stage,omitempty"`
	OperationCreatedOn time.Time      `json:"operationCreatedOn,omitzero"`
	SharedVariables    map[string]any `json:"sharedVariables,omitempty"`
}

// Context is immutable once built; accessors hand out copies of the maps.
type Context struct {
	f Fields
}

// New freezes f into a Context.
func New(f Fields) *Context {
	f.InputParameters = maps.Clone(f.InputParameters)
	f.SharedVariables = maps.Clone(f.SharedVariables)
	return &Context{f: f}
}

func (c *Context) PrimaryEntityName() string { return c.f.PrimaryEntityName }
func (c *Context) PrimaryEntityID() string   { return c.f.PrimaryEntityID }
func (c *Context) MessageName() string       { return c.f.MessageName }
func (c *Context) OrganizationName() string  { return c.f.OrganizationName }
func (c *Context) InitiatingUserID() string  { return c.f.InitiatingUserID }
func (c *Context) CorrelationID() string     { return c.f.CorrelationID }
func (c *Context) Depth() int                { return c.f.Depth }
func (c *Context) Stage() int                { return c.f.Stage }

func (c *Context) OperationCreatedOn() time.Time { return c.f.OperationCreatedOn }

// InputParameter returns one caller-supplied parameter.
func (c *Context) InputParameter(name string) (any, bool) {
	v, ok := c.f.InputParameters[name]
	return v, ok
}

func (c *Context) InputParameters() map[string]any { return maps.Clone(c.f.InputParameters) }

func (c *Context) SharedVariable(name string) (any, bool) {
	v, ok := c.f.SharedVariables[name]
	return v, ok
}

// Fields returns a detached copy for building a derived Context.
func (c *Context) Fields() Fields {
	f := c.f
	f.InputParameters = maps.Clone(f.InputParameters)
	f.SharedVariables = maps.Clone(f.SharedVariables)
	return f
}

// WithCorrelationID derives a Context carrying id.
func (c *Context) WithCorrelationID(id string) *Context {
	f := c.Fields()
	f.CorrelationID = id
	return &Context{f: f}
}

// LogFields identifies the context in log lines.
func (c *Context) LogFields() map[string]any {
	return map[string]any{
		"entity_name": c.f.PrimaryEntityName,
		"entity_id":   c.f.PrimaryEntityID,
		"operation":   c.f.MessageName,
	}
}
