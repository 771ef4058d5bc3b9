// Package rabbitmq provides the RabbitMQ plumbing behind the listener containers.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects when it drops
//   - ChannelPool: short-lived channels for topology and admin work
//   - Consumer: one dedicated channel per queue subscription
//   - Publisher: reply publishing with confirms
//   - TopologyManager: exchanges, queues and bindings
//
// Everything above the connection works against the Channel interface, which
// *amqp.Channel satisfies.
package rabbitmq
