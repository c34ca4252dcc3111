/*
Package runtime bridges Diameter Rf accounting sessions to an event sink.

# Architecture Overview

An Adaptor registers the configured accounting application ids with a
Diameter multiplexer. Every client or server accounting session the stack
creates becomes an Activity, keyed by its Session-Id. Messages received on
an activity are translated into typed events and fired through the
dispatcher onto the event sink, a Watermill publisher selected by
Config.SinkSystem.

# Package Structure

## Adaptor (adaptor.go)

The Adaptor wires together:
  - The activity registry and the session bridge
  - The dispatcher and its service filter
  - The event sink and the transport it publishes on
  - Prometheus collectors and the admin HTTP server

Its lifecycle is Activate, Stopping and Inactive. Stopping ends every
activity; Inactive closes the registry so late sessions are rejected.

## Callbacks (callbacks.go)

The Adaptor is the stack listener, the session observer and the listener of
each activity it registers. Consumers report processing results back through
EventProcessingSuccessful, EventProcessingFailed, EventUnreferenced and
ActivityEnded.

## Provider (provider.go)

Provider is the facade consumers use to open client sessions, send
synchronous accounting requests and build requests or answers.

## Admin (admin.go)

The admin server exposes activities, peers, dispatch statistics, transport
capabilities and, when enabled, /metrics.

# Sub-packages

  - activity: Activity, handles and the registry
  - bridge: session to activity correlation
  - config: YAML configuration and validation
  - consumer: Watermill router consuming the sink topic
  - diameter: message model, stack interfaces and the memstack test stack
  - dispatch: event firing and transactions
  - eventid: event type ids, catalog and service filter
  - events: typed accounting events
  - metadata: sink message headers
  - metrics: Prometheus collectors
  - peers: connected peer directory
  - sink: Watermill publishing sink and body codecs
*/
package runtime
