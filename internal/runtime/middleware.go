package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/topicplugins/internal/runtime/execution"
	"github.com/drblury/topicplugins/internal/runtime/services"
)

// PluginMiddleware decorates the invocation of one named plugin.
type PluginMiddleware func(plugin string, next PluginFunc) PluginFunc

// MiddlewareBuilder constructs a plugin middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (PluginMiddleware, error)

// MiddlewareRegistration captures how a middleware is attached to every
// plugin chain of a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware PluginMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor, outermost first. There is no retry middleware: a
// failed live message is abandoned and redelivered by the broker, and
// dead-lettered by its registration at the max delivery count.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// TracerMiddleware runs each plugin inside an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware(otel.Tracer("topicplugins")),
	}
}

func tracerMiddleware(tracer trace.Tracer) PluginMiddleware {
	return func(plugin string, next PluginFunc) PluginFunc {
		return func(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
			ctx, span := tracer.Start(ctx, "plugin "+plugin)
			defer span.End()

			span.SetAttributes(
				attribute.String("plugin.name", plugin),
				attribute.String("entity.name", exec.PrimaryEntityName()),
				attribute.String("entity.id", exec.PrimaryEntityID()),
				attribute.String("operation", exec.MessageName()),
				attribute.String("correlation_id", exec.CorrelationID()),
			)

			err := next(ctx, exec, lookup)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// MetricsMiddleware observes plugin durations in the service's histogram.
// It is skipped when metrics are disabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (PluginMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(s.metrics), nil
		},
	}
}

func metricsMiddleware(m *Metrics) PluginMiddleware {
	return func(plugin string, next PluginFunc) PluginFunc {
		return func(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
			started := time.Now()
			err := next(ctx, exec, lookup)
			m.ObservePlugin(plugin, time.Since(started), err)
			return err
		}
	}
}

// RecovererMiddleware converts plugin panics into errors, so a panicking
// plugin fails its chain like any other plugin.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

// recovererMiddleware delegates to Watermill's Recoverer; the panic value
// and stack are available as middleware.RecoveredPanicError.
func recovererMiddleware(_ string, next PluginFunc) PluginFunc {
	return func(ctx context.Context, exec *execution.Context, lookup services.Lookup) error {
		h := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
			return nil, next(msg.Context(), exec, lookup)
		})

		msg := message.NewMessage(exec.CorrelationID(), nil)
		msg.SetContext(ctx)
		_, err := h(msg)
		return err
	}
}

// IsPanic reports whether err came from a recovered plugin panic.
func IsPanic(err error) bool {
	var rp middleware.RecoveredPanicError
	return errors.As(err, &rp)
}

func (s *Service) buildMiddlewares(regs []MiddlewareRegistration) ([]PluginMiddleware, error) {
	out := make([]PluginMiddleware, 0, len(regs))
	for _, reg := range regs {
		mw := reg.Middleware
		if mw == nil && reg.Builder != nil {
			var err error
			if mw, err = reg.Builder(s); err != nil {
				return nil, err
			}
		} else if mw == nil {
			return nil, errors.New("middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}
