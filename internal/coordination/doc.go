// Package coordination keeps a Redis-backed directory of running broadcast
// instances so operators and readiness checks can see the cluster.
package coordination
