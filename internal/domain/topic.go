package domain

import "strings"

// StreamType selects the broadcast cadence of a topic.
type StreamType string

const (
	StreamChain StreamType = "chain"
	StreamChart StreamType = "chart"
)

const (
	chartPrefix      = "chart:"
	broadcastChannel = "ws:broadcast:"
)

// StreamTypeOf classifies a topic key. Keys such as "chart:NIFTY:5m" are chart
// streams; everything else (e.g. "NIFTY:1703635200") is an option chain.
func StreamTypeOf(topic string) StreamType {
	if strings.HasPrefix(strings.ToLower(topic), chartPrefix) {
		return StreamChart
	}
	return StreamChain
}

// BroadcastChannel maps a topic key to its broker channel name.
func BroadcastChannel(topic string) string {
	return broadcastChannel + strings.ToUpper(topic)
}
