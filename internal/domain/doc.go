// Package domain defines the shared types and interfaces of the broadcast core.
//
// Files are concept-oriented (errors.go, topic.go, fetcher.go, pubsub.go).
// No implementation code beyond tiny pure helpers - just contracts.
// Keeps interfaces on the consumer side and prevents circular imports.
package domain
