package strategy

import (
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/service"
)

// MarketReader is the read side of the market store used by the scanners.
type MarketReader interface {
	Read(symbol string, now time.Time) []service.VenueView
}

// Scanner finds opportunities for a set of symbols at a point in time.
// Implementations are called by the scan loop and must be pure with respect
// to the data they read: the same fresh data yields the same result.
type Scanner interface {
	Scan(symbols []string, now time.Time) []domain.CrossVenueOpportunity
}

// CycleScanner finds triangular opportunities across all configured venues.
type CycleScanner interface {
	ScanCycles(now time.Time) []domain.TriangularOpportunity
}

// freshTop returns the top of book of view when it is within the staleness
// bound of its venue.
func freshTop(view service.VenueView, venue domain.Venue) (domain.Quote, bool) {
	top, age, ok := view.Top()
	if !ok || age > venue.Staleness {
		return domain.Quote{}, false
	}
	return top, true
}

// freshBook returns the depth book of view when fresh, or a one-level book
// built from its quote otherwise.
func freshBook(view service.VenueView, venue domain.Venue, top domain.Quote) *domain.OrderBookSnapshot {
	if view.Book != nil && view.BookAge <= venue.Staleness {
		return view.Book
	}
	return domain.BookFromQuote(top)
}
