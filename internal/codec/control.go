package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("malformed control frame")
	ErrMissingTopic   = errors.New("subscribe requires a topic")
)

// ControlKind is the closed set of inbound control frames.
type ControlKind int

const (
	ControlUnknown ControlKind = iota
	ControlSubscribe
	ControlUnsubscribe
	ControlPing
)

func (k ControlKind) String() string {
	switch k {
	case ControlSubscribe:
		return "subscribe"
	case ControlUnsubscribe:
		return "unsubscribe"
	case ControlPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Control is a decoded inbound frame. Type keeps the raw discriminator so
// unknown frames can still be logged.
type Control struct {
	Kind  ControlKind
	Type  string
	Topic string
}

type rawControl struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// DecodeControl parses a text control frame. Unknown types decode to
// ControlUnknown without error; only unparseable input is an error.
func DecodeControl(data []byte) (Control, error) {
	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Type == "" {
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	c := Control{Type: raw.Type}
	switch strings.ToLower(raw.Type) {
	case "subscribe":
		topic := strings.TrimSpace(raw.Topic)
		if topic == "" {
			return Control{}, ErrMissingTopic
		}
		c.Kind = ControlSubscribe
		c.Topic = topic
	case "unsubscribe":
		c.Kind = ControlUnsubscribe
	case "ping":
		c.Kind = ControlPing
	default:
		c.Kind = ControlUnknown
	}
	return c, nil
}
