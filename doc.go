// Package rfbridge adapts a Diameter stack's Rf accounting application to
// Watermill. Every accounting session the stack creates, client or server,
// becomes an Activity keyed by its Session-Id. Messages received on an
// activity are translated into typed events and fired onto the event sink
// for the services that declared interest in their event type.
//
// An Adaptor is built from Config and a diameter.Multiplexer; Activate
// registers the configured accounting application ids ("10415:3, 0:3") and
// makes the adaptor the stack's session observer. Provider lets callers open
// client sessions, send Accounting-Requests synchronously with a bounded
// wait, and build requests and answers with the right identities. Stopping
// ends every activity; Inactive closes the registry.
//
// # Transports
//
// The sink publishes on the transport named by Config.SinkSystem:
//   - channel: in-process Go channels, used by the simulator and tests
//   - kafka: partitioned by activity handle so dialogs stay ordered
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support
//   - nats and jetstream: core NATS and JetStream streams
//   - http: webhook delivery
//   - redis: Redis streams
//   - io: newline delimited JSON journal file
//   - sqlite: embedded event journal
//
// # Consuming events
//
// Consumer runs a Watermill router on the sink topic. It decodes each message
// into a Delivery, retries failures with exponential backoff, recovers panics
// and reports the outcome back to the adaptor as successful, failed or
// unreferenced. Activity lifecycle controls arrive on the same topic in
// publish order. DeliveryHooks observe handler execution; LoggingHooks is a
// ready-made set.
//
// # Admin API
//
// With Config.AdminEnabled the adaptor serves /api/activities, /api/peers,
// /api/stats, /api/transports and, with Config.MetricsEnabled, /metrics.
package rfbridge
