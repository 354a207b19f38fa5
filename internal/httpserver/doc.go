// Package httpserver exposes the streaming endpoint and the operational HTTP
// surface (health, readiness, metrics, version, stats) on one echo server.
package httpserver
