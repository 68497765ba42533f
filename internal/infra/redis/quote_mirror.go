package redis

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"crypto_arb/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorQueueSize = 4096
	mirrorFlush     = 100 * time.Millisecond
	// Mirrored quotes expire so a dead venue does not leave stale keys behind.
	quoteTTL = time.Minute
)

// QuoteMirror is a domain.MarketSink decorator: every quote goes to next
// first, then is queued for Redis. Queued quotes are flushed by Run in
// pipelined batches, keeping only the latest quote per key.
type QuoteMirror struct {
	next   domain.MarketSink
	rdb    *redis.Client
	queue  chan domain.Quote
	logger *slog.Logger
}

func NewQuoteMirror(c *Client, next domain.MarketSink) *QuoteMirror {
	return &QuoteMirror{
		next:   next,
		rdb:    c.Underlying(),
		queue:  make(chan domain.Quote, mirrorQueueSize),
		logger: slog.Default().With(slog.String("module", "redis")),
	}
}

func QuoteKey(venue, symbol string) string {
	return "quote:" + venue + ":" + symbol
}

// quoteFields renders q as a hash.
func quoteFields(q domain.Quote) map[string]any {
	return map[string]any{
		"bid":      q.Bid.String(),
		"bid_size": q.BidSize.String(),
		"ask":      q.Ask.String(),
		"ask_size": q.AskSize.String(),
		"ts":       strconv.FormatInt(q.ObservedAt.UnixMilli(), 10),
	}
}

func (m *QuoteMirror) OnQuote(q domain.Quote) error {
	if err := m.next.OnQuote(q); err != nil {
		return err
	}
	select {
	case m.queue <- q:
	default:
		// Mirror lag never backs up the market store.
	}
	return nil
}

func (m *QuoteMirror) OnBook(b *domain.OrderBookSnapshot) error {
	return m.next.OnBook(b)
}

// Run flushes queued quotes until ctx is done.
func (m *QuoteMirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(mirrorFlush)
	defer ticker.Stop()

	pending := make(map[string]domain.Quote)
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-m.queue:
			pending[QuoteKey(q.Venue, q.Symbol)] = q
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			if err := m.flush(ctx, pending); err != nil {
				m.logger.Warn("Quote mirror flush failed", slog.Int("keys", len(pending)), slog.Any("error", err))
			}
			clear(pending)
		}
	}
}

func (m *QuoteMirror) flush(ctx context.Context, pending map[string]domain.Quote) error {
	pipe := m.rdb.Pipeline()
	for key, q := range pending {
		pipe.HSet(ctx, key, quoteFields(q))
		pipe.Expire(ctx, key, quoteTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}
