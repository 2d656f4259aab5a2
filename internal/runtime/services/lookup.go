// Package services exposes runtime capabilities to plugins by kind.
package services

import (
	"fmt"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
)

// Kind enumerates the capabilities a plugin may request.
type Kind int

const (
	KindExecutionContext Kind = iota + 1
	KindTracing
	KindOrganizationServiceFactory
)

func (k Kind) String() string {
	switch k {
	case KindExecutionContext:
		return "ExecutionContext"
	case KindTracing:
		return "Tracing"
	case KindOrganizationServiceFactory:
		return "OrganizationServiceFactory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Lookup resolves a capability by kind. Unknown or unavailable kinds fail
// with *errors.UnsupportedCapabilityError.
type Lookup interface {
	Lookup(kind Kind) (any, error)
}

// Provider is the Lookup handed to plugins for one dispatch.
type Provider struct {
	exec    *execution.Context
	tracing TracingService
	orgs    OrganizationServiceFactory
}

// NewProvider binds the capabilities of one dispatch. A nil capability is
// reported as unsupported.
func NewProvider(exec *execution.Context, tracing TracingService, orgs OrganizationServiceFactory) *Provider {
	return &Provider{exec: exec, tracing: tracing, orgs: orgs}
}

func (p *Provider) Lookup(kind Kind) (any, error) {
	switch kind {
	case KindExecutionContext:
		if p.exec != nil {
			return p.exec, nil
		}
	case KindTracing:
		if p.tracing != nil {
			return p.tracing, nil
		}
	case KindOrganizationServiceFactory:
		if p.orgs != nil {
			return p.orgs, nil
		}
	}
	return nil, &errspkg.UnsupportedCapabilityError{Kind: kind.String()}
}

// ExecutionContext fetches the current execution context from l.
func ExecutionContext(l Lookup) (*execution.Context, error) {
	return lookupAs[*execution.Context](l, KindExecutionContext)
}

// Tracing fetches the tracing sink from l.
func Tracing(l Lookup) (TracingService, error) {
	return lookupAs[TracingService](l, KindTracing)
}

// OrganizationFactory fetches the organization service factory from l.
func OrganizationFactory(l Lookup) (OrganizationServiceFactory, error) {
	return lookupAs[OrganizationServiceFactory](l, KindOrganizationServiceFactory)
}

func lookupAs[T any](l Lookup, kind Kind) (T, error) {
	var zero T
	if l == nil {
		return zero, &errspkg.UnsupportedCapabilityError{Kind: kind.String()}
	}
	v, err := l.Lookup(kind)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &errspkg.UnsupportedCapabilityError{Kind: kind.String()}
	}
	return typed, nil
}
