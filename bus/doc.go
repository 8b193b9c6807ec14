// Package bus is the gateway's side channel for capability lookups and
// audit events.
//
// Two implementations share the Bus interface:
//
//   - NATSBus: backed by a NATS connection
//   - MemoryBus: in-process, used by tests and single-node deployments
//
// Request/reply is context bound:
//
//	sub, _ := b.QueueSubscribe("identity.capabilities", "identity")
//	go func() {
//	    for msg := range sub.Messages() {
//	        bus.Reply(b, msg, answer(msg.Data))
//	    }
//	}()
//
//	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
//	defer cancel()
//	reply, err := b.Request(ctx, "identity.capabilities", query)
//
// Subscriptions never block publishers. A subscriber whose buffer is full
// misses the message; MemoryBus counts those drops.
package bus
