// Package upstream fetches topic payloads from the analytics service over HTTP.
package upstream
