// Package redis connects the service to Redis.
//
// Client wraps go-redis with metrics and circuit-breaker hooks. Broker
// implements domain.Broker on a single Redis Pub/Sub connection per instance.
package redis
