package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/services"
)

// Plugin is one business handler in a chain. It receives the execution
// context of the message and a lookup for runtime capabilities.
type Plugin interface {
	Execute(ctx context.Context, exec *execution.Context, lookup services.Lookup) error
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, exec *execution.Context, lookup services.Lookup) error

func (f PluginFunc) Execute(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
	return f(ctx, exec, lookup)
}

// PluginRef is a named plugin, resolved once when a registration is built.
type PluginRef struct {
	Name   string
	Plugin Plugin
}

// PluginRegistry maps plugin names used in configuration to plugins.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewPluginRegistry returns an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]Plugin)}
}

// Register adds or replaces a plugin.
func (r *PluginRegistry) Register(name string, plugin Plugin) error {
	if name == "" {
		return errspkg.ErrPluginNameRequired
	}
	if plugin == nil {
		return fmt.Errorf("%w: %s", errspkg.ErrPluginRequired, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = plugin
	return nil
}

// Resolve returns references for names, in order.
func (r *PluginRegistry) Resolve(names ...string) ([]PluginRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]PluginRef, 0, len(names))
	for _, name := range names {
		plugin, ok := r.plugins[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown plugin %q", errspkg.ErrPluginRequired, name)
		}
		refs = append(refs, PluginRef{Name: name, Plugin: plugin})
	}
	return refs, nil
}

// Names returns the registered plugin names, sorted.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PluginChain runs plugins in order and stops at the first failure.
type PluginChain struct {
	refs    []PluginRef
	wrapped []PluginFunc
	logger  loggingpkg.ServiceLogger
}

// NewPluginChain wraps every plugin with the given middlewares. The first
// middleware is the outermost.
func NewPluginChain(refs []PluginRef, logger loggingpkg.ServiceLogger, middlewares ...PluginMiddleware) (*PluginChain, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	c := &PluginChain{
		refs:    make([]PluginRef, len(refs)),
		wrapped: make([]PluginFunc, len(refs)),
		logger:  logger,
	}
	copy(c.refs, refs)

	for i, ref := range refs {
		if ref.Name == "" {
			return nil, errspkg.ErrPluginNameRequired
		}
		if ref.Plugin == nil {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrPluginRequired, ref.Name)
		}
		fn := PluginFunc(ref.Plugin.Execute)
		for j := len(middlewares) - 1; j >= 0; j-- {
			if middlewares[j] != nil {
				fn = middlewares[j](ref.Name, fn)
			}
		}
		c.wrapped[i] = fn
	}
	return c, nil
}

// Plugins returns the plugin names in dispatch order.
func (c *PluginChain) Plugins() []string {
	names := make([]string, len(c.refs))
	for i, ref := range c.refs {
		names[i] = ref.Name
	}
	return names
}

// Dispatch runs each plugin with exec. The first failure stops the chain
// and is returned as *errors.PluginExecutionError naming the plugin.
func (c *PluginChain) Dispatch(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
	base := loggingpkg.LogFields(exec.LogFields())

	for i, ref := range c.refs {
		log := c.logger.With(base).With(loggingpkg.LogFields{"plugin": ref.Name, "position": i})

		log.Debug("Executing plugin", nil)
		started := time.Now()
		if err := c.wrapped[i](ctx, exec, lookup); err != nil {
			log.Error("Plugin failed", err, loggingpkg.LogFields{"duration_ms": time.Since(started).Milliseconds()})
			return &errspkg.PluginExecutionError{Plugin: ref.Name, Err: err}
		}
		log.Debug("Plugin executed", loggingpkg.LogFields{"duration_ms": time.Since(started).Milliseconds()})
	}
	return nil
}
