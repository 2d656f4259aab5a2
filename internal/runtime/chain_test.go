package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	"github.com/drblury/topicplugins/internal/runtime/services"
)

func TestPluginChainStopsAtFirstFailure(t *testing.T) {
	var calls []string
	step := func(name string, err error) PluginRef {
		return PluginRef{Name: name, Plugin: PluginFunc(func(context.Context, *execution.Context, services.Lookup) error {
			calls = append(calls, name)
			return err
		})}
	}
	boom := errors.New("boom")

	chain, err := NewPluginChain([]PluginRef{step("A", nil), step("B", boom), step("C", nil)}, newTestLogger())
	require.NoError(t, err)

	err = chain.Dispatch(context.Background(), newExec("account"), nil)
	require.Error(t, err)
	assert.Equal(t, []string{"A", "B"}, calls)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errspkg.ErrPluginExecutionFailed)

	var pe *errspkg.PluginExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "B", pe.Plugin)
}

func TestPluginChainRunsAllPluginsInOrder(t *testing.T) {
	var calls []string
	refs := make([]PluginRef, 0, 3)
	for _, name := range []string{"first", "second", "third"} {
		refs = append(refs, PluginRef{Name: name, Plugin: PluginFunc(func(context.Context, *execution.Context, services.Lookup) error {
			calls = append(calls, name)
			return nil
		})})
	}

	chain, err := NewPluginChain(refs, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, chain.Dispatch(context.Background(), newExec("contact"), nil))
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Equal(t, []string{"first", "second", "third"}, chain.Plugins())
}

func TestPluginChainEmptyIsNoop(t *testing.T) {
	chain, err := NewPluginChain(nil, newTestLogger())
	require.NoError(t, err)
	assert.NoError(t, chain.Dispatch(context.Background(), newExec("account"), nil))
	assert.Empty(t, chain.Plugins())
}

func TestPluginChainMiddlewareOrder(t *testing.T) {
	var trace []string
	mw := func(tag string) PluginMiddleware {
		return func(plugin string, next PluginFunc) PluginFunc {
			return func(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
				trace = append(trace, tag+">"+plugin)
				err := next(ctx, exec, lookup)
				trace = append(trace, tag+"<"+plugin)
				return err
			}
		}
	}
	plugin := PluginRef{Name: "p", Plugin: PluginFunc(func(context.Context, *execution.Context, services.Lookup) error {
		trace = append(trace, "run")
		return nil
	})}

	chain, err := NewPluginChain([]PluginRef{plugin}, newTestLogger(), mw("outer"), nil, mw("inner"))
	require.NoError(t, err)
	require.NoError(t, chain.Dispatch(context.Background(), newExec("account"), nil))
	assert.Equal(t, []string{"outer>p", "inner>p", "run", "inner<p", "outer<p"}, trace)
}

func TestNewPluginChainValidates(t *testing.T) {
	ok := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error { return nil })

	_, err := NewPluginChain(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewPluginChain([]PluginRef{{Plugin: ok}}, newTestLogger())
	assert.ErrorIs(t, err, errspkg.ErrPluginNameRequired)

	_, err = NewPluginChain([]PluginRef{{Name: "missing"}}, newTestLogger())
	assert.ErrorIs(t, err, errspkg.ErrPluginRequired)
}

func TestPluginRegistryResolve(t *testing.T) {
	reg := NewPluginRegistry()
	ok := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error { return nil })
	require.NoError(t, reg.Register("audit", ok))
	require.NoError(t, reg.Register("notify", ok))

	assert.ErrorIs(t, reg.Register("", ok), errspkg.ErrPluginNameRequired)
	assert.ErrorIs(t, reg.Register("nil", nil), errspkg.ErrPluginRequired)

	refs, err := reg.Resolve("notify", "audit")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "notify", refs[0].Name)
	assert.Equal(t, "audit", refs[1].Name)

	_, err = reg.Resolve("audit", "unknown")
	assert.ErrorIs(t, err, errspkg.ErrPluginRequired)
	assert.Contains(t, err.Error(), `"unknown"`)

	assert.Equal(t, []string{"audit", "notify"}, reg.Names())
}
