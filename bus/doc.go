// Package bus carries task lifecycle events between taskkit processes.
//
// Two implementations share the MessageBus interface:
//
//   - MemoryBus: in process, used by default and in tests
//   - NATSBus: a NATS connection, optionally backed by a JetStream stream
//
// Subjects follow NATS conventions. The store decorator publishes on
// "<prefix>.<event>", so a watcher can follow everything with:
//
//	sub, _ := b.Subscribe("tasks.>")
//	for msg := range sub.Messages() {
//	    // msg.Subject is e.g. "tasks.claimed"
//	}
//
// Queue subscriptions spread events across a worker group:
//
//	sub, _ := b.QueueSubscribe("tasks.created", "workers")
package bus
