// Package outbox holds the in-memory outbox: immutable event records, the
// per-unit-of-work buffer and the dispatcher that drains buffers after commit.
//
// Delivery is at-least-once. A record that cannot be published is re-queued
// at the tail of the buffer and retried on the next dispatch cycle, with no
// upper bound on the number of cycles.
package outbox
