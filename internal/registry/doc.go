// Package registry owns the live connections of one instance and their topic
// subscriptions.
//
// All membership state sits behind a single RWMutex and is only reachable
// through the Registry methods, so the group invariants (a connection is in at
// most one group, no group is ever empty) are enforced at the boundary.
// Group creation and deletion are reported to a domain.TopicObserver outside
// the critical section.
package registry
