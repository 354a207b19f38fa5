// Package relay makes topic delivery effective across every instance.
//
// Publish delivers to local subscribers directly and also publishes a tagged
// envelope to the broker channel of the topic. A single listener goroutine
// per instance receives envelopes from the broker and hands them to the local
// registry, skipping envelopes that this instance published itself so that
// every local connection sees each logical message exactly once.
//
// When the broker is unreachable the relay logs, counts and keeps delivering
// locally.
package relay
