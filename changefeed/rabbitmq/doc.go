// Package rabbitmq delivers change events to a durable RabbitMQ queue.
//
// A Sender owns one connection and one confirm-mode channel. Every publish
// waits for the broker confirm, and transient transport failures are retried
// a bounded number of times with a fresh connection and a re-declared
// topology before the error is returned to the caller.
package rabbitmq
