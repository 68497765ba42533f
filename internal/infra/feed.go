package infra

import (
	"log/slog"
	"strings"
	"time"

	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// SymbolMap translates between canonical symbols and one venue's notation.
type SymbolMap struct {
	toNative    map[string]string
	toCanonical map[string]string
	natives     []string
}

// NewSymbolMap builds the mapping for symbols using render to produce the
// venue notation. Lookups of native names are case-insensitive.
func NewSymbolMap(symbols []string, render func(canonical string) string) *SymbolMap {
	m := &SymbolMap{
		toNative:    make(map[string]string, len(symbols)),
		toCanonical: make(map[string]string, len(symbols)),
	}
	for _, s := range symbols {
		canonical, ok := domain.NormalizeSymbol(s)
		if !ok {
			slog.Warn("Skipping malformed symbol", slog.String("symbol", s))
			continue
		}
		if _, dup := m.toNative[canonical]; dup {
			continue
		}
		native := render(canonical)
		m.toNative[canonical] = native
		m.toCanonical[strings.ToUpper(native)] = canonical
		m.natives = append(m.natives, native)
	}
	return m
}

// Native returns the venue notation of a canonical symbol.
func (m *SymbolMap) Native(canonical string) string {
	return m.toNative[canonical]
}

// Canonical resolves a venue symbol. ok is false for symbols that were not
// configured.
func (m *SymbolMap) Canonical(native string) (string, bool) {
	s, ok := m.toCanonical[strings.ToUpper(native)]
	return s, ok
}

// Natives lists the venue notations in configuration order.
func (m *SymbolMap) Natives() []string {
	return m.natives
}

// Feed is the adapter side of a MarketSink. Decoded values that fail
// validation are dropped and logged; they never end a session.
type Feed struct {
	venue  string
	sink   domain.MarketSink
	logger *slog.Logger
	Now    func() time.Time
}

// NewFeed creates a feed publishing as venue.
func NewFeed(venue string, sink domain.MarketSink) *Feed {
	return &Feed{
		venue:  venue,
		sink:   sink,
		logger: slog.Default().With(slog.String("module", "feed"), slog.String("venue", venue)),
		Now:    time.Now,
	}
}

// Venue returns the publishing venue.
func (f *Feed) Venue() string {
	return f.venue
}

// Quote publishes a top of book given as strings, the way most venues send
// it. Empty sizes are allowed.
func (f *Feed) Quote(symbol, bid, bidSize, ask, askSize string) {
	q := domain.Quote{Symbol: symbol, Venue: f.venue, ObservedAt: f.Now()}
	var err error
	if q.Bid, err = decimal.NewFromString(bid); err != nil {
		f.drop(symbol, err)
		return
	}
	if q.Ask, err = decimal.NewFromString(ask); err != nil {
		f.drop(symbol, err)
		return
	}
	q.BidSize = parseOptional(bidSize)
	q.AskSize = parseOptional(askSize)
	f.PublishQuote(q)
}

// PublishQuote forwards an already decoded quote.
func (f *Feed) PublishQuote(q domain.Quote) {
	if q.Venue == "" {
		q.Venue = f.venue
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = f.Now()
	}
	if err := f.sink.OnQuote(q); err != nil {
		f.drop(q.Symbol, err)
	}
}

// Book publishes a depth snapshot stamped with the local receive time.
func (f *Feed) Book(symbol string, bids, asks []domain.Level, seq uint64) {
	f.PublishBook(&domain.OrderBookSnapshot{
		Symbol:     symbol,
		Venue:      f.venue,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: f.Now(),
		Sequence:   seq,
	})
}

// PublishBook forwards a snapshot built elsewhere (e.g. a LocalBook).
func (f *Feed) PublishBook(b *domain.OrderBookSnapshot) {
	if err := f.sink.OnBook(b); err != nil {
		f.drop(b.Symbol, err)
	}
}

func (f *Feed) drop(symbol string, err error) {
	f.logger.Debug("Dropped market data", slog.String("symbol", symbol), slog.Any("error", err))
}

func parseOptional(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
