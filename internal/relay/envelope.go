package relay

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the broker payload. Origin and Seq identify the publishing
// instance and its publish order.
type envelope struct {
	Origin string `msgpack:"o"`
	Seq    uint64 `msgpack:"s"`
	Topic  string `msgpack:"t"`
	Type   string `msgpack:"y"`
	Frame  []byte `msgpack:"f"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	if e.Origin == "" || e.Topic == "" {
		return envelope{}, fmt.Errorf("decode relay envelope: missing origin or topic")
	}
	return e, nil
}
