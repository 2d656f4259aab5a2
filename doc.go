// Package topicplugins runs business plugins against messages delivered on
// broker topic subscriptions.
//
// A Service reads its transport and topic registrations from Config, fetches
// the vault credential named by two settings and connects the broker. Each
// registration first drains its subscription's dead-letter topic through the
// plugin chain, then consumes live messages: a message whose chain succeeds
// is completed, a failed one is abandoned for redelivery until it fails on
// its MaxDeliveryCount-th delivery, when it is moved to the dead-letter topic
// that the next start drains.
//
// Plugins implement Plugin and receive the decoded execution context plus a
// Lookup for the capabilities of the runtime (tracing, organization service
// factory). Register them by name in a PluginRegistry so Config can refer to
// them, or pass Registration values in ServiceDependencies.
//
// # Settings and secrets
//
// Setting values that look like vault references (https://<vault>/secrets/...
// or a Secrets Manager ARN) are fetched through the configured VaultConnector
// and cached for App.Cache.DefaultTimeSpan. MemoryVault serves tests and
// local runs; AWSVaultConnector reads AWS Secrets Manager.
//
// # Transports
//
// Importing this package registers every bundled transport:
//   - channel: In-memory Go channels for tests and local runs
//   - kafka: Consumer group per subscription
//   - rabbitmq: Durable queue per topic and subscription
//   - nats: Queue group per subscription
//   - nats-jetstream: Durable pull consumer per subscription
//   - aws: SNS topic with an SQS queue per subscription, LocalStack aware
//
// # Middleware
//
// Every plugin runs inside the default middleware chain: OpenTelemetry
// tracing, Prometheus duration metrics and panic recovery. Extra middleware
// can be added via ServiceDependencies.Middlewares.
package topicplugins
