package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter owns one streaming (or polling) session with a venue.
// Run blocks until ctx is cancelled and handles its own reconnects.
type Adapter interface {
	Venue() string
	Run(ctx context.Context) error
}

// MarketSink receives normalized market events from adapters.
type MarketSink interface {
	OnQuote(q Quote) error
	OnBook(b *OrderBookSnapshot) error
}

// Journal persists execution outcomes, state transitions and detected
// opportunities. Callers treat it as fire-and-forget.
type Journal interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	RecordTransition(ctx context.Context, t StateTransition) error
	RecordOpportunity(ctx context.Context, o OpportunityRecord) error
}

// BalanceProvider returns the free balance of an asset on a venue. Results
// may be stale; callers bound the call with a context deadline.
type BalanceProvider interface {
	Balance(ctx context.Context, venue, asset string) (decimal.Decimal, error)
}

// HealthSource reports the current connection health of a venue.
type HealthSource interface {
	VenueHealth(venue string) VenueHealth
}

// OpportunityPublisher mirrors opportunities to external consumers.
type OpportunityPublisher interface {
	PublishCross(ctx context.Context, o CrossVenueOpportunity) error
	PublishTriangular(ctx context.Context, o TriangularOpportunity) error
}
