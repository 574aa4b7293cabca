// Package contracts defines the value types and the protocol-engine contract
// shared by the AMQP client layer.
//
// Message and Envelope model outbound and inbound payloads. Session is the
// narrow interface a Connection drives; the amqp091-go backed implementation
// lives in internal/rabbitmq and tests substitute fakes. Broker replies are
// expressed as errors: nil is a normal reply, *LocalError a library-level
// failure and *BrokerError a server exception carrying the broker's reason.
package contracts
