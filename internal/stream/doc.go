// Package stream serves the client streaming endpoint.
//
// A client connects over WebSocket, receives a "connected" frame with its id,
// then sends JSON control frames (subscribe, unsubscribe, ping). Every frame
// the server writes is msgpack on the binary channel, either a single message
// or a "batch" envelope produced by the connection's drain loop.
package stream
