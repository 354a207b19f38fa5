package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Outbound message types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
	TypeBatch        = "batch"
	TypeChainUpdate  = "chain_update"
	TypeChartUpdate  = "chart_update"
	TypeSnapshot     = "snapshot"
)

// Frame is a single outbound message.
type Frame struct {
	Type      string `msgpack:"type"`
	ClientID  string `msgpack:"client_id,omitempty"`
	Topic     string `msgpack:"topic,omitempty"`
	Message   string `msgpack:"message,omitempty"`
	Data      any    `msgpack:"data,omitempty"`
	Timestamp int64  `msgpack:"ts,omitempty"`
}

type batchFrame struct {
	Type     string               `msgpack:"type"`
	Messages []msgpack.RawMessage `msgpack:"messages"`
}

func Connected(clientID string) Frame { return Frame{Type: TypeConnected, ClientID: clientID} }
func Subscribed(topic string) Frame   { return Frame{Type: TypeSubscribed, Topic: topic} }
func Unsubscribed() Frame             { return Frame{Type: TypeUnsubscribed} }
func Pong() Frame                     { return Frame{Type: TypePong} }

// Error builds an error frame. topic may be empty for connection-level errors.
func Error(topic, message string) Frame {
	return Frame{Type: TypeError, Topic: topic, Message: message}
}

// Data builds a data frame for a topic.
func Data(msgType, topic string, data any, at time.Time) Frame {
	return Frame{Type: msgType, Topic: topic, Data: data, Timestamp: at.UnixMilli()}
}

// Encode serializes a frame to msgpack.
func Encode(f Frame) ([]byte, error) {
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return b, nil
}

// EncodeBatch packs already-encoded frames into one batch envelope.
func EncodeBatch(frames [][]byte) ([]byte, error) {
	batch := batchFrame{Type: TypeBatch, Messages: make([]msgpack.RawMessage, len(frames))}
	for i, f := range frames {
		batch.Messages[i] = f
	}
	b, err := msgpack.Marshal(&batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch frame: %w", err)
	}
	return b, nil
}

// Decode unpacks an outbound frame into a generic map. Used by clients and tests.
func Decode(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}
