// Package scheduler runs at most one broadcaster task per topic on this
// instance. Tasks are started and stopped by reconciling against the
// registry's subscription groups, so notifications may arrive in any order
// and any number of times.
package scheduler
