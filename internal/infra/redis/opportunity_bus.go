package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"crypto_arb/internal/domain"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen bounds the opportunity stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Envelope is the payload published for every opportunity.
type Envelope struct {
	Type string          `json:"type"` // cross | triangular
	Data json.RawMessage `json:"data"`
}

// OpportunityBus implements domain.OpportunityPublisher. Each opportunity is
// sent on a Pub/Sub channel for live listeners and appended to a stream
// (<channel>:stream) for consumers that replay.
type OpportunityBus struct {
	rdb     *redis.Client
	channel string
}

func NewOpportunityBus(c *Client, channel string) *OpportunityBus {
	return &OpportunityBus{rdb: c.Underlying(), channel: channel}
}

func (b *OpportunityBus) StreamName() string {
	return b.channel + ":stream"
}

func (b *OpportunityBus) PublishCross(ctx context.Context, o domain.CrossVenueOpportunity) error {
	payload, err := encodeEnvelope(string(domain.KindCross), o)
	if err != nil {
		return err
	}
	return b.publish(ctx, payload)
}

func (b *OpportunityBus) PublishTriangular(ctx context.Context, o domain.TriangularOpportunity) error {
	payload, err := encodeEnvelope(string(domain.KindTriangular), o)
	if err != nil {
		return err
	}
	return b.publish(ctx, payload)
}

func encodeEnvelope(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("redis: encode %s opportunity: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}

func (b *OpportunityBus) publish(ctx context.Context, payload []byte) error {
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamName(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	return nil
}
