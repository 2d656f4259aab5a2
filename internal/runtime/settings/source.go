package settings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
)

// Source supplies raw configuration values. ok is false when the setting is
// absent; an empty value that is present is returned as ("", true, nil).
type Source interface {
	GetRaw(ctx context.Context, name string) (value string, ok bool, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name string) (string, bool, error)

func (f SourceFunc) GetRaw(ctx context.Context, name string) (string, bool, error) {
	return f(ctx, name)
}

// MapSource serves settings from a static map.
type MapSource map[string]string

func (m MapSource) GetRaw(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

// EnvSource reads the process environment. A setting is looked up verbatim
// first, then by its environment form (App.Auth.ServicePrincipalId becomes
// APP_AUTH_SERVICEPRINCIPALID).
type EnvSource struct {
	// Prefix is prepended to the environment form only.
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (e EnvSource) GetRaw(_ context.Context, name string) (string, bool, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(name); ok {
		return v, true, nil
	}
	v, ok := lookup(e.Prefix + EnvName(name))
	return v, ok, nil
}

var envReplacer = strings.NewReplacer(".", "_", "-", "_", ":", "_")

// EnvName converts a dotted setting name to its environment variable form.
func EnvName(name string) string {
	return strings.ToUpper(envReplacer.Replace(name))
}

// FileSource reads a YAML document on every lookup. Nested mappings are
// addressed with dotted names, so
//
//	App:
//	  Auth:
//	    ServicePrincipalId: abc
//
// serves App.Auth.ServicePrincipalId. A top-level key containing dots wins
// over the nested form.
type FileSource struct {
	Path string
}

func (f FileSource) GetRaw(_ context.Context, name string) (string, bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false, fmt.Errorf("read settings file %s: %w", f.Path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", false, fmt.Errorf("parse settings file %s: %w", f.Path, err)
	}
	v, ok := lookupPath(doc, name)
	return v, ok, nil
}

func lookupPath(doc map[string]any, name string) (string, bool) {
	if v, ok := doc[name]; ok {
		return scalar(v)
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return "", false
	}
	child, ok := doc[head].(map[string]any)
	if !ok {
		return "", false
	}
	return lookupPath(child, rest)
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

// ChainSource consults each source in order; the first that has the
// setting wins. Errors stop the lookup.
type ChainSource []Source

func (c ChainSource) GetRaw(ctx context.Context, name string) (string, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		v, ok, err := src.GetRaw(ctx, name)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return "", false, nil
}

// Require reads a setting that must be present and non-empty.
func Require(ctx context.Context, src Source, name string) (string, error) {
	if src == nil {
		return "", errspkg.ErrSourceRequired
	}
	v, ok, err := src.GetRaw(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", &errspkg.ConfigurationMissingError{Setting: name}
	}
	return v, nil
}
