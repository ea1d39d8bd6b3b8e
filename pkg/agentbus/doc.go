// Package agentbus is a topic-based event bus for agent-to-agent
// coordination with at-least-once delivery.
//
// Producers publish JSON payloads to dot-separated topics; subscribers
// register handlers on topic patterns ("task.*"). Every publish passes an
// admission pipeline in a fixed order: ACL authorization, optional schema
// validation against a registry, field redaction, idempotency dedupe,
// per-producer burst smoothing, and windowed volume quota. Accepted
// envelopes are staged in a durable outbox before dispatch; failed
// deliveries retry with exponential backoff until they land in the
// dead-letter queue, from which Replay can redrive them in original order.
//
// A minimal bus:
//
//	bus := agentbus.New(agentbus.BusConfig{
//		Policies: []acl.Policy{{
//			Topic:            "task.*",
//			AllowedProducers: []string{"orchestrator"},
//			AllowedConsumers: []string{"worker.*"},
//		}},
//	})
//	defer bus.Close()
//
//	sub, _ := bus.Subscribe("worker.1", "task.*", handleTask)
//	defer bus.Unsubscribe(sub)
//
//	res, err := bus.Publish(ctx, "orchestrator", "task.created", payload)
package agentbus
