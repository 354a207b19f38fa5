package outbound

import "github.com/DeepStacker/option-chain-d-sub000/internal/codec"

// Priority is a delivery tier. Lower values are more urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Bulk
)

const numPriorities = int(Bulk) + 1

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Bulk:
		return "bulk"
	default:
		return "invalid"
	}
}

func (p Priority) valid() bool {
	return p >= Critical && p <= Bulk
}

var typePriorities = map[string]Priority{
	codec.TypeConnected:    Critical,
	codec.TypeSubscribed:   Critical,
	codec.TypeUnsubscribed: Critical,
	codec.TypePong:         Critical,
	codec.TypeError:        High,
	codec.TypeSnapshot:     High,
	codec.TypeChainUpdate:  Normal,
	codec.TypeChartUpdate:  Normal,
}

// PriorityFor returns the tier for an outbound message type. Unlisted types
// are Low.
func PriorityFor(msgType string) Priority {
	if p, ok := typePriorities[msgType]; ok {
		return p
	}
	return Low
}
