package domain

import "context"

// Fetcher produces the current payload for a topic. It is implemented by the
// analytics/pricing subsystem; the returned value must be serializable.
type Fetcher interface {
	FetchPayload(ctx context.Context, topic string) (any, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, topic string) (any, error)

func (f FetcherFunc) FetchPayload(ctx context.Context, topic string) (any, error) {
	return f(ctx, topic)
}
