// Package rabbitmq is the protocol engine behind the messaging package.
//
// Session implements contracts.Session on github.com/rabbitmq/amqp091-go:
//   - Dial: transport connect and login with a bounded timeout
//   - numbered channels mapped onto amqp091 channels
//   - a single Receive queue fed by deliveries, returns, publisher confirms
//     and channel/connection close notifications
//   - classification of amqp091 errors into broker and local failures
//
// The package also converts contracts.Message to and from the amqp091 wire
// types and parses and sanitizes connection URLs.
package rabbitmq
