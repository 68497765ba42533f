package service

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"crypto_arb/internal/domain"
)

const shardCount = 32

// RejectCounter counts snapshots dropped at ingestion.
type RejectCounter interface {
	RecordDataRejected()
}

// MarketStore holds the latest quote and book per (symbol, venue).
// Each key is replaced as a whole; readers get the stored pointers, which are
// never mutated after they are written. Sharded by symbol so writers from
// different venues rarely contend.
type MarketStore struct {
	shards   [shardCount]*storeShard
	rejected RejectCounter

	subsMu sync.RWMutex
	subs   []func(symbol string)
}

type storeShard struct {
	mu   sync.RWMutex
	data map[string]map[string]*slot // symbol -> venue
}

type slot struct {
	quote *domain.Quote
	book  *domain.OrderBookSnapshot
}

// VenueView is what one venue currently reports for a symbol.
// Nil fields mean nothing was received yet.
type VenueView struct {
	Venue    string
	Quote    *domain.Quote
	QuoteAge time.Duration
	Book     *domain.OrderBookSnapshot
	BookAge  time.Duration
}

// Top returns the most recently observed top of book from either the quote
// or the book, with its age.
func (v VenueView) Top() (domain.Quote, time.Duration, bool) {
	var top domain.Quote
	var age time.Duration
	ok := false
	if v.Quote != nil {
		top, age, ok = *v.Quote, v.QuoteAge, true
	}
	if v.Book != nil && (!ok || v.BookAge < age) {
		if q, has := v.Book.Top(); has {
			top, age, ok = q, v.BookAge, true
		}
	}
	return top, age, ok
}

// NewMarketStore creates an empty store. rejected may be nil.
func NewMarketStore(rejected RejectCounter) *MarketStore {
	s := &MarketStore{rejected: rejected}
	for i := range s.shards {
		s.shards[i] = &storeShard{data: make(map[string]map[string]*slot)}
	}
	return s
}

func (s *MarketStore) shard(symbol string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return s.shards[h.Sum32()%shardCount]
}

// Subscribe registers fn to be called after every accepted update. fn runs on
// the writer's goroutine and must not block.
func (s *MarketStore) Subscribe(fn func(symbol string)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

func (s *MarketStore) notify(symbol string) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, fn := range s.subs {
		fn(symbol)
	}
}

func (s *MarketStore) reject(err error) error {
	if s.rejected != nil {
		s.rejected.RecordDataRejected()
	}
	return err
}

// OnQuote implements domain.MarketSink.
func (s *MarketStore) OnQuote(q domain.Quote) error {
	if err := q.Validate(); err != nil {
		return s.reject(err)
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now()
	}
	stored := q

	sh := s.shard(q.Symbol)
	sh.mu.Lock()
	venues := sh.data[q.Symbol]
	if venues == nil {
		venues = make(map[string]*slot)
		sh.data[q.Symbol] = venues
	}
	prev := venues[q.Venue]
	next := &slot{quote: &stored}
	if prev != nil {
		next.book = prev.book
	}
	venues[q.Venue] = next
	sh.mu.Unlock()

	s.notify(q.Symbol)
	return nil
}

// OnBook implements domain.MarketSink. The store takes ownership of b.
func (s *MarketStore) OnBook(b *domain.OrderBookSnapshot) error {
	if b == nil {
		return s.reject(domain.ErrEmptyBook)
	}
	if err := b.Validate(); err != nil {
		return s.reject(err)
	}
	if b.ObservedAt.IsZero() {
		b.ObservedAt = time.Now()
	}

	sh := s.shard(b.Symbol)
	sh.mu.Lock()
	venues := sh.data[b.Symbol]
	if venues == nil {
		venues = make(map[string]*slot)
		sh.data[b.Symbol] = venues
	}
	prev := venues[b.Venue]
	next := &slot{book: b}
	if prev != nil {
		next.quote = prev.quote
	}
	venues[b.Venue] = next
	sh.mu.Unlock()

	s.notify(b.Symbol)
	return nil
}

// Read returns every venue entry for symbol with its age at now, sorted by
// venue name. Stale entries are reported, not hidden.
func (s *MarketStore) Read(symbol string, now time.Time) []VenueView {
	sh := s.shard(symbol)
	sh.mu.RLock()
	venues := sh.data[symbol]
	views := make([]VenueView, 0, len(venues))
	for venue, sl := range venues {
		v := VenueView{Venue: venue, Quote: sl.quote, Book: sl.book}
		if sl.quote != nil {
			v.QuoteAge = sl.quote.Age(now)
		}
		if sl.book != nil {
			v.BookAge = sl.book.Age(now)
		}
		views = append(views, v)
	}
	sh.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Venue < views[j].Venue })
	return views
}

// Quote returns the last quote of (symbol, venue).
func (s *MarketStore) Quote(symbol, venue string) (*domain.Quote, bool) {
	sl := s.get(symbol, venue)
	if sl == nil || sl.quote == nil {
		return nil, false
	}
	return sl.quote, true
}

// Book returns the last book of (symbol, venue).
func (s *MarketStore) Book(symbol, venue string) (*domain.OrderBookSnapshot, bool) {
	sl := s.get(symbol, venue)
	if sl == nil || sl.book == nil {
		return nil, false
	}
	return sl.book, true
}

func (s *MarketStore) get(symbol, venue string) *slot {
	sh := s.shard(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.data[symbol][venue]
}

// Symbols returns every symbol with at least one entry, sorted.
func (s *MarketStore) Symbols() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for symbol := range sh.data {
			out = append(out, symbol)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// VenueSymbols returns the symbols a venue has reported, sorted.
func (s *MarketStore) VenueSymbols(venue string) []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for symbol, venues := range sh.data {
			if _, ok := venues[venue]; ok {
				out = append(out, symbol)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
