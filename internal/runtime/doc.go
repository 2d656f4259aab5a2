/*
Package runtime hosts topic registrations: each one pumps a broker
subscription through an ordered chain of plugins.

# Architecture Overview

A TopicRegistration owns two subscription handles opened from a
transport.Opener. Run drains the subscription's dead-letter topic first,
dispatching every message through the plugin chain, and only then registers
the live message callback. A dead-letter failure stops Run; a live failure
abandons the message so the broker redelivers it.

# Package Structure

## Service (service.go, http.go)

The Service bootstraps vault secrets through settings.Resolver, connects
the configured transport, initializes and runs every registration and logs a
liveness message until its context ends. When Config.HTTPPort is set it
serves /healthz, /registrations and /metrics with chi.

## Plugin chain (chain.go, middleware.go)

Plugins are resolved by name from a PluginRegistry. Every plugin is wrapped
by the middleware chain, outermost first:
  - Tracer: OpenTelemetry span per plugin
  - Metrics: Prometheus plugin duration histogram
  - Recoverer: panics become errors

## Hooks and metrics (hooks.go, metrics.go)

DispatchHooks observe every decoded message. Metrics count messages by
source and outcome and export the secret cache statistics.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - execution/: The execution context carried by a message
  - ids/: ULID correlation ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - memo/: Expiring single-flight cache
  - metadata/: Message metadata utilities
  - services/: Capabilities handed to plugins
  - settings/: Setting and secret resolution

# Usage Example

	plugins := runtime.NewPluginRegistry()
	_ = plugins.Register("audit", auditPlugin)

	svc, err := runtime.NewService(cfg, logger, runtime.ServiceDependencies{
		VaultConnector: connector,
		Plugins:        plugins,
	})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
