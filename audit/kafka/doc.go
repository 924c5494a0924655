// Package kafka publishes audit events to a Kafka topic.
//
// [Sink] implements [goRefresh.AuditSink]. Each event is one JSON message keyed
// by session id, so every event of a session lands in the same partition in
// emit order.
//
// # What this package must NOT do
//
//   - Block the engine; the audit dispatcher calls Emit from its own goroutine
//     with a bounded context.
//   - Retry past that context.
package kafka
