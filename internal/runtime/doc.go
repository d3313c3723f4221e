/*
Package runtime hosts courier endpoints: typed handlers for commands, events
and requests, a middleware pipeline around every inbound message, and a
transactional outbox that holds outbound messages until the handler's unit of
work commits.

# Architecture Overview

A Service owns one endpoint identity (logical name plus instance name). It
binds its handlers to a transport, which is either the in-process memory
transport or a broker transport over a Watermill publisher/subscriber pair
built by the registry in the top-level transport package.

Inbound messages flow through the pipeline, outermost first:

	tracing -> metrics -> error_handling -> authorization -> unit_of_work -> recoverer -> handler

Middlewares and error handlers declare Before/After/Requires directives and
are ordered by the ordering package, so custom stages slot in by name.

# Package Structure

## Core Service (service.go)

NewService validates the configuration, builds the transport and the outbox
store, registers Prometheus collectors and the health endpoints. Start
composes the pipeline, runs the startup actions, serves HTTP and consumes
until its context ends. A background relay re-delivers committed messages
whose delivery did not complete.

## Messaging (messaging.go, dispatch.go)

Send, Publish and Reply join the current unit of work while a message is
handled or inside Transaction; otherwise they go straight to the transport.
Request bypasses the outbox and waits for the reply through the rpc registry.

## Handler Registration (registration.go)

RegisterHandler and RegisterRequestHandler bind typed functions to message
types. The kind of a type comes from an embedded envelope.Command, Event,
Request or Reply marker, or from envelope.WithKind.

## Error Handling (errorhandling.go)

Failed attempts consult the error handler chain: trace capture, retry with
exponential backoff, then dead lettering when the transport supports it.

## Stats & Monitoring (models.go, metrics.go, health.go, hooks.go)

Per-handler statistics (latency percentiles, throughput, error categories,
backlog, dependency health), Prometheus metrics, /readyz, /healthz and
/handlers, and job lifecycle hooks.

# Sub-packages

  - config/: endpoint configuration loaded from COURIER_* variables
  - envelope/: message envelope, headers, type registry and wire codec
  - errors/: sentinel errors and error types
  - ids/: time-ordered message ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - ordering/: directive-based ordering of named components
  - outbox/: outbox, unit of work, stores and relay
  - pipeline/: middleware composition and the per-message context
  - rpc/: pending request registry
  - syncx/: completion and gate primitives
  - transport/: memory and broker transports

# Usage Example

	conf := &config.Config{EndpointName: "orders"}
	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = runtime.RegisterHandler(svc, func(ctx context.Context, cmd PlaceOrder) error {
		return svc.Publish(ctx, OrderPlaced{OrderID: cmd.OrderID})
	})

	return svc.Start(ctx)
*/
package runtime
