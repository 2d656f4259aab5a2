package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/topicplugins/internal/runtime/execution"
	"github.com/drblury/topicplugins/internal/runtime/services"
)

func TestRecovererMiddlewareConvertsPanics(t *testing.T) {
	panicking := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error {
		panic("plugin exploded")
	})

	err := recovererMiddleware("exploding", panicking)(context.Background(), newExec("account"), nil)
	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.Contains(t, err.Error(), "plugin exploded")
}

func TestRecovererMiddlewarePassesErrorsThrough(t *testing.T) {
	boom := errors.New("boom")
	failing := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error { return boom })

	err := recovererMiddleware("failing", failing)(context.Background(), newExec("account"), nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPanic(err))
}

func TestRecovererMiddlewareKeepsContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	var got any
	plugin := PluginFunc(func(ctx context.Context, _ *execution.Context, _ services.Lookup) error {
		got = ctx.Value(key{})
		return nil
	})
	require.NoError(t, recovererMiddleware("p", plugin)(ctx, newExec("account"), nil))
	assert.Equal(t, "value", got)
}

func TestTracerMiddlewareReturnsPluginError(t *testing.T) {
	boom := errors.New("boom")
	mw := tracerMiddleware(noop.NewTracerProvider().Tracer("test"))

	err := mw("p", func(context.Context, *execution.Context, services.Lookup) error { return boom })(context.Background(), newExec("account"), nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mw("p", func(context.Context, *execution.Context, services.Lookup) error { return nil })(context.Background(), newExec("account"), nil))
}

func TestMetricsMiddlewareObservesPlugins(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	fn := metricsMiddleware(m)("audit", func(context.Context, *execution.Context, services.Lookup) error { return nil })

	require.NoError(t, fn(context.Background(), newExec("account"), nil))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pluginDuration))
}

func TestBuildMiddlewares(t *testing.T) {
	s := &Service{}
	mws, err := s.buildMiddlewares(DefaultMiddlewares())
	require.NoError(t, err)
	assert.Len(t, mws, 2, "metrics middleware is skipped without metrics")

	s.metrics = NewMetrics(prometheus.NewRegistry())
	mws, err = s.buildMiddlewares(DefaultMiddlewares())
	require.NoError(t, err)
	assert.Len(t, mws, 3)

	failing := MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Service) (PluginMiddleware, error) { return nil, errors.New("cannot build") },
	}
	_, err = s.buildMiddlewares([]MiddlewareRegistration{failing})
	assert.ErrorContains(t, err, "cannot build")
}
