package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of an order book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Notional returns price * size in quote currency.
func (l Level) Notional() decimal.Decimal {
	return l.Price.Mul(l.Size)
}

// Quote is the best bid/ask of one symbol on one venue.
// It is always replaced as a whole, never patched field by field.
type Quote struct {
	Symbol     string          `json:"symbol"` // Canonical "BASE/QUOTE"
	Venue      string          `json:"venue"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"` // Zero when the venue does not report it
	AskSize    decimal.Decimal `json:"ask_size"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Validate rejects quotes that must never reach the store.
func (q Quote) Validate() error {
	if q.Symbol == "" || q.Venue == "" {
		return fmt.Errorf("%w: missing symbol or venue", ErrInvalidSymbol)
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("%w: %s@%s bid=%s ask=%s", ErrNonPositivePrice, q.Symbol, q.Venue, q.Bid, q.Ask)
	}
	return nil
}

// Mid returns (bid + ask) / 2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Age returns how long ago the quote was observed.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// OrderBookSnapshot holds bid levels sorted by price descending and ask
// levels sorted by price ascending.
type OrderBookSnapshot struct {
	Symbol     string    `json:"symbol"`
	Venue      string    `json:"venue"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	ObservedAt time.Time `json:"observed_at"`
	Sequence   uint64    `json:"sequence"`
}

// Validate checks level ordering and positivity. A snapshot failing
// validation is dropped at ingestion.
func (b *OrderBookSnapshot) Validate() error {
	if b.Symbol == "" || b.Venue == "" {
		return fmt.Errorf("%w: missing symbol or venue", ErrInvalidSymbol)
	}
	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return fmt.Errorf("%w: %s@%s", ErrEmptyBook, b.Symbol, b.Venue)
	}
	for i, l := range b.Bids {
		if !l.Price.IsPositive() || l.Size.IsNegative() {
			return fmt.Errorf("%w: bid level %d of %s@%s", ErrNonPositivePrice, i, b.Symbol, b.Venue)
		}
		if i > 0 && l.Price.GreaterThan(b.Bids[i-1].Price) {
			return fmt.Errorf("%w: bid level %d above level %d (%s@%s)", ErrCrossedLevels, i, i-1, b.Symbol, b.Venue)
		}
	}
	for i, l := range b.Asks {
		if !l.Price.IsPositive() || l.Size.IsNegative() {
			return fmt.Errorf("%w: ask level %d of %s@%s", ErrNonPositivePrice, i, b.Symbol, b.Venue)
		}
		if i > 0 && l.Price.LessThan(b.Asks[i-1].Price) {
			return fmt.Errorf("%w: ask level %d below level %d (%s@%s)", ErrCrossedLevels, i, i-1, b.Symbol, b.Venue)
		}
	}
	return nil
}

// Side returns the levels a taker consumes: asks for a buy, bids for a sell.
func (b *OrderBookSnapshot) Side(side Side) []Level {
	if side == SideBuy {
		return b.Asks
	}
	return b.Bids
}

// Top derives a quote from the best levels. ok is false when either side is empty.
func (b *OrderBookSnapshot) Top() (q Quote, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return Quote{}, false
	}
	return Quote{
		Symbol:     b.Symbol,
		Venue:      b.Venue,
		Bid:        b.Bids[0].Price,
		BidSize:    b.Bids[0].Size,
		Ask:        b.Asks[0].Price,
		AskSize:    b.Asks[0].Size,
		ObservedAt: b.ObservedAt,
	}, true
}

// Age returns how long ago the snapshot was observed.
func (b *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.ObservedAt)
}

// BookFromQuote builds a one-level book from a quote that carries sizes.
// Used when a venue only streams its top of book.
func BookFromQuote(q Quote) *OrderBookSnapshot {
	book := &OrderBookSnapshot{Symbol: q.Symbol, Venue: q.Venue, ObservedAt: q.ObservedAt}
	if q.BidSize.IsPositive() {
		book.Bids = []Level{{Price: q.Bid, Size: q.BidSize}}
	}
	if q.AskSize.IsPositive() {
		book.Asks = []Level{{Price: q.Ask, Size: q.AskSize}}
	}
	return book
}

// LevelsFromPairs converts [price, size, ...] rows as most venues send them.
// Rows shorter than two elements are skipped.
func LevelsFromPairs(rows [][]decimal.Decimal) []Level {
	levels := make([]Level, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		levels = append(levels, Level{Price: r[0], Size: r[1]})
	}
	return levels
}
