package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Control
	}{
		{"subscribe", `{"type":"subscribe","topic":"NIFTY:1703635200"}`, Control{Kind: ControlSubscribe, Type: "subscribe", Topic: "NIFTY:1703635200"}},
		{"subscribe trims topic", `{"type":"subscribe","topic":"  BANKNIFTY:1  "}`, Control{Kind: ControlSubscribe, Type: "subscribe", Topic: "BANKNIFTY:1"}},
		{"unsubscribe", `{"type":"unsubscribe"}`, Control{Kind: ControlUnsubscribe, Type: "unsubscribe"}},
		{"ping", `{"type":"ping"}`, Control{Kind: ControlPing, Type: "ping"}},
		{"case insensitive", `{"type":"PING"}`, Control{Kind: ControlPing, Type: "PING"}},
		{"unknown type", `{"type":"replay","from":10}`, Control{Kind: ControlUnknown, Type: "replay"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeControl([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeControl_Errors(t *testing.T) {
	_, err := DecodeControl([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeControl([]byte(`{"topic":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeControl([]byte(`{"type":"subscribe"}`))
	assert.ErrorIs(t, err, ErrMissingTopic)
}

func TestEncode_DataFrame(t *testing.T) {
	at := time.UnixMilli(1703635200123)
	payload := map[string]any{"spot": 21500.5, "strikes": []any{"21400", "21500"}}

	b, err := Encode(Data(TypeChainUpdate, "NIFTY:1703635200", payload, at))
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeChainUpdate, m["type"])
	assert.Equal(t, "NIFTY:1703635200", m["topic"])
	assert.EqualValues(t, 1703635200123, m["ts"])

	data, ok := m["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 21500.5, data["spot"])
	assert.NotContains(t, m, "client_id")
}

func TestEncode_ControlAcks(t *testing.T) {
	b, err := Encode(Connected("abc"))
	require.NoError(t, err)
	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "connected", "client_id": "abc"}, m)

	b, err = Encode(Error("NIFTY:1", "upstream unavailable"))
	require.NoError(t, err)
	m, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "upstream unavailable", m["message"])
}

func TestEncodeBatch_EmbedsFramesVerbatim(t *testing.T) {
	first, err := Encode(Pong())
	require.NoError(t, err)
	second, err := Encode(Subscribed("NIFTY:1"))
	require.NoError(t, err)

	b, err := EncodeBatch([][]byte{first, second})
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeBatch, m["type"])

	messages, ok := m["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, map[string]any{"type": "pong"}, messages[0])
	assert.Equal(t, map[string]any{"type": "subscribed", "topic": "NIFTY:1"}, messages[1])
}

func TestControlKind_String(t *testing.T) {
	assert.Equal(t, "subscribe", ControlSubscribe.String())
	assert.Equal(t, "unknown", ControlKind(42).String())
}
