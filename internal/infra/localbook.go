package infra

import (
	"sort"
	"time"

	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// LocalBook rebuilds a depth book from a snapshot followed by incremental
// updates, for venues that only stream deltas after the first message.
// Not thread-safe; each adapter owns its books from the read loop.
type LocalBook struct {
	symbol string
	venue  string
	depth  int
	bids   map[string]domain.Level
	asks   map[string]domain.Level
	seq    uint64
	ready  bool
}

// NewLocalBook creates an empty book that renders at most depth levels per side.
func NewLocalBook(venue, symbol string, depth int) *LocalBook {
	return &LocalBook{
		symbol: symbol,
		venue:  venue,
		depth:  depth,
		bids:   make(map[string]domain.Level),
		asks:   make(map[string]domain.Level),
	}
}

// Reset replaces the book content with a full snapshot.
func (b *LocalBook) Reset(bids, asks []domain.Level, seq uint64) {
	clear(b.bids)
	clear(b.asks)
	b.ready = true
	b.Apply(bids, asks, seq)
}

// Apply merges a delta. A zero size removes the level.
// Deltas arriving before the first snapshot are ignored.
func (b *LocalBook) Apply(bids, asks []domain.Level, seq uint64) {
	if !b.ready {
		return
	}
	merge(b.bids, bids)
	merge(b.asks, asks)
	if seq > 0 {
		b.seq = seq
	}
}

// Ready reports whether a snapshot has been received.
func (b *LocalBook) Ready() bool {
	return b.ready
}

// Snapshot renders the current book, sorted and truncated.
func (b *LocalBook) Snapshot(observedAt time.Time) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Symbol:     b.symbol,
		Venue:      b.venue,
		Bids:       sortedLevels(b.bids, true, b.depth),
		Asks:       sortedLevels(b.asks, false, b.depth),
		ObservedAt: observedAt,
		Sequence:   b.seq,
	}
}

func merge(side map[string]domain.Level, updates []domain.Level) {
	for _, u := range updates {
		key := u.Price.String()
		if u.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = u
	}
}

func sortedLevels(side map[string]domain.Level, desc bool, depth int) []domain.Level {
	levels := make([]domain.Level, 0, len(side))
	for _, l := range side {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// ParseLevels converts string pairs as venues send them ([["price","size"],...]).
// Malformed rows are skipped.
func ParseLevels(rows [][]string) []domain.Level {
	levels := make([]domain.Level, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		price, err := decimal.NewFromString(r[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(r[1])
		if err != nil {
			continue
		}
		levels = append(levels, domain.Level{Price: price, Size: size})
	}
	return levels
}
