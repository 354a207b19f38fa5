// Package outbound implements the per-connection priority queue and drain loop.
//
// Each connection owns one Queue with a fixed-capacity ring per priority tier.
// Producers enqueue without blocking; a full tier rejects the incoming message
// and counts the drop. A single Drainer per connection dequeues in strict tier
// order on a fixed interval and packs multi-message cycles into one batch frame.
package outbound
