// Package codec implements the client wire format.
//
// Inbound control frames are small JSON objects decoded once into a closed
// ControlKind. Outbound frames are msgpack maps with a "type" discriminator;
// batches embed already-encoded frames without re-encoding them.
package codec
