package services

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/topicplugins/internal/runtime/logging"
)

// TracingService is the diagnostic sink plugins write to.
type TracingService interface {
	Trace(format string, args ...any)
}

type tracingService struct {
	logger logging.ServiceLogger
	span   trace.Span
}

// NewTracingService writes plugin traces to logger and records them as
// events on the span active in ctx.
func NewTracingService(ctx context.Context, logger logging.ServiceLogger) TracingService {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &tracingService{logger: logger, span: trace.SpanFromContext(ctx)}
}

func (t *tracingService) Trace(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Info(msg, logging.LogFields{"source": "plugin_trace"})
	t.span.AddEvent("plugin.trace", trace.WithAttributes(attribute.String("message", msg)))
}
