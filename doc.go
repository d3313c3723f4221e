// Package courier is a messaging endpoint library: typed handlers for
// commands, events and request/reply on top of an in-process transport or a
// Watermill broker, with a transactional outbox that only releases outbound
// messages once the handler's unit of work commits.
//
// A minimal setup fills Config, creates a Service, registers handlers and
// calls Start:
//
//	svc, err := courier.NewService(ctx, &courier.Config{EndpointName: "orders"}, logger, courier.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	err = courier.RegisterHandler(svc, func(ctx context.Context, cmd PlaceOrder) error {
//		return svc.Publish(ctx, OrderPlaced{OrderID: cmd.OrderID})
//	})
//
// Message types declare their kind by embedding one of the markers Command,
// Event, Request or Reply. Types without a marker are registered with
// WithKind.
//
// # Transports
//
// Config.PubSubSystem selects the transport:
//   - memory: in-process queues, the default
//   - channel: Watermill Go channels
//   - kafka, rabbitmq, nats, aws, http: durable brokers
//
// Broker transports use one topic per message type and one reply topic per
// endpoint instance. Custom brokers register a TransportBuilder with
// RegisterTransport.
//
// # Pipeline
//
// Every inbound message runs through tracing, metrics, error handling,
// authorization, the unit of work and panic recovery. Middlewares and error
// handlers are ordered by their Before/After/Requires directives, so custom
// stages slot in by name.
//
// # Outbox
//
// Messages sent while handling a message, or inside Service.Transaction, are
// held in an outbox and stored with the unit of work. Set Config.OutboxDriver
// to "sqlite3" or "postgres" to make them survive a crash; a background relay
// delivers whatever a crash left behind.
package courier
