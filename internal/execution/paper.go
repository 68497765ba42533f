package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperConfig configures simulated trading.
type PaperConfig struct {
	UseMakerFees bool
	// SeedInventory funds a base asset, valued in quote currency at the
	// current price, the first time a venue sells it. Zero disables.
	SeedInventory decimal.Decimal
}

// Fill is one simulated execution.
type Fill struct {
	OrderID string
	Venue   string
	Symbol  string
	Side    domain.Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
	At      time.Time
}

// PaperGateway fills orders immediately against the latest book in the
// market store and keeps per-venue balances. It also serves as the balance
// collaborator in paper mode.
type PaperGateway struct {
	mu       sync.Mutex
	cfg      PaperConfig
	venues   domain.VenueSet
	market   strategy.MarketReader
	balances map[string]map[string]decimal.Decimal // venue -> asset -> free
	seeded   map[string]bool                       // venue|asset
	orders   map[string]*domain.Leg                // exchange id -> leg
	fills    []Fill
	logger   *slog.Logger
	now      func() time.Time
}

// NewPaperGateway creates an unfunded paper gateway.
func NewPaperGateway(venues domain.VenueSet, market strategy.MarketReader, cfg PaperConfig) *PaperGateway {
	return &PaperGateway{
		cfg:      cfg,
		venues:   venues,
		market:   market,
		balances: make(map[string]map[string]decimal.Decimal),
		seeded:   make(map[string]bool),
		orders:   make(map[string]*domain.Leg),
		logger:   slog.Default().With(slog.String("module", "paper")),
		now:      time.Now,
	}
}

// Deposit credits amount of asset on venue.
func (p *PaperGateway) Deposit(venue, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credit(venue, asset, amount)
}

func (p *PaperGateway) credit(venue, asset string, amount decimal.Decimal) {
	if p.balances[venue] == nil {
		p.balances[venue] = make(map[string]decimal.Decimal)
	}
	p.balances[venue][asset] = p.balances[venue][asset].Add(amount)
}

// Balance implements domain.BalanceProvider.
func (p *PaperGateway) Balance(_ context.Context, venue, asset string) (decimal.Decimal, error) {
	p.seedForBalance(venue, asset)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[venue][asset], nil
}

// seedForBalance funds an unfunded base asset before its first sell is
// checked, pricing it from a fresh book against any asset the venue holds.
func (p *PaperGateway) seedForBalance(venue, asset string) {
	p.mu.Lock()
	skip := !p.cfg.SeedInventory.IsPositive() || p.seeded[venue+"|"+asset] || p.balances[venue][asset].IsPositive()
	quotes := make([]string, 0, len(p.balances[venue]))
	for q := range p.balances[venue] {
		if q != asset {
			quotes = append(quotes, q)
		}
	}
	p.mu.Unlock()

	v, ok := p.venues.Get(venue)
	if skip || !ok {
		return
	}
	sort.Strings(quotes)
	now := p.now()
	for _, q := range quotes {
		book, err := p.book(v, domain.Canonical(asset, q), now)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.seedInventory(venue, asset, book)
		p.mu.Unlock()
		return
	}
}

// Fills returns a copy of the simulated fills.
func (p *PaperGateway) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

// book returns the freshest depth available for the leg's market.
func (p *PaperGateway) book(venue domain.Venue, symbol string, now time.Time) (*domain.OrderBookSnapshot, error) {
	for _, view := range p.market.Read(symbol, now) {
		if view.Venue != venue.Name {
			continue
		}
		if view.Book != nil && view.BookAge <= venue.Staleness {
			return view.Book, nil
		}
		if top, age, ok := view.Top(); ok && age <= venue.Staleness {
			return domain.BookFromQuote(top), nil
		}
	}
	return nil, fmt.Errorf("%w: no fresh book for %s@%s", domain.ErrStaleData, symbol, venue.Name)
}

// walk consumes levels for qty base units, honoring the limit price of limit
// orders. Returns the filled quantity and average price.
func walk(levels []domain.Level, leg *domain.Leg, qty decimal.Decimal) (filled, avg decimal.Decimal) {
	notional := decimal.Zero
	for _, l := range levels {
		if !filled.LessThan(qty) {
			break
		}
		if leg.Type == domain.OrderTypeLimit {
			if leg.Side == domain.SideBuy && l.Price.GreaterThan(leg.Price) {
				break
			}
			if leg.Side == domain.SideSell && l.Price.LessThan(leg.Price) {
				break
			}
		}
		take := decimal.Min(l.Size, qty.Sub(filled))
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(l.Price))
	}
	if filled.IsPositive() {
		avg = notional.Div(filled)
	}
	return filled, avg
}

// PlaceOrder simulates an immediate fill, possibly partial.
func (p *PaperGateway) PlaceOrder(_ context.Context, leg *domain.Leg) error {
	venue, ok := p.venues.Get(leg.Venue)
	if !ok {
		return fmt.Errorf("paper: unknown venue %q", leg.Venue)
	}
	base, quote, ok := domain.SplitSymbol(leg.Symbol)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, leg.Symbol)
	}

	now := p.now()
	book, err := p.book(venue, leg.Symbol, now)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if leg.Side == domain.SideSell {
		p.seedInventory(leg.Venue, base, book)
	}

	filled, avg := walk(book.Side(leg.Side), leg, leg.Amount)
	if !filled.IsPositive() {
		return fmt.Errorf("paper: no liquidity for %s %s@%s", leg.Side, leg.Symbol, leg.Venue)
	}
	notional := filled.Mul(avg)
	fee := notional.Mul(venue.Fee(p.cfg.UseMakerFees))

	bal := p.balances[leg.Venue]
	if leg.Side == domain.SideBuy {
		if need := notional.Add(fee); bal[quote].LessThan(need) {
			return fmt.Errorf("%w: %s %s has %s, needs %s", domain.ErrInsufficientBalance, leg.Venue, quote, bal[quote], need)
		}
		p.credit(leg.Venue, quote, notional.Add(fee).Neg())
		p.credit(leg.Venue, base, filled)
	} else {
		if bal[base].LessThan(filled) {
			return fmt.Errorf("%w: %s %s has %s, needs %s", domain.ErrInsufficientBalance, leg.Venue, base, bal[base], filled)
		}
		p.credit(leg.Venue, base, filled.Neg())
		p.credit(leg.Venue, quote, notional.Sub(fee))
	}

	leg.ExchangeID = "paper-" + uuid.NewString()
	if err := leg.Transition(domain.OrderStatusPlaced); err != nil {
		return err
	}
	if err := leg.ApplyFill(filled, avg, fee); err != nil {
		return err
	}
	p.orders[leg.ExchangeID] = leg
	p.fills = append(p.fills, Fill{
		OrderID: leg.ExchangeID,
		Venue:   leg.Venue,
		Symbol:  leg.Symbol,
		Side:    leg.Side,
		Qty:     filled,
		Price:   avg,
		Fee:     fee,
		At:      now,
	})

	p.logger.Info("Paper fill",
		slog.String("venue", leg.Venue),
		slog.String("symbol", leg.Symbol),
		slog.String("side", string(leg.Side)),
		slog.String("qty", filled.String()),
		slog.String("price", avg.String()))
	return nil
}

// seedInventory funds base on venue once. Caller holds mu.
func (p *PaperGateway) seedInventory(venue, base string, book *domain.OrderBookSnapshot) {
	key := venue + "|" + base
	if !p.cfg.SeedInventory.IsPositive() || p.seeded[key] || len(book.Bids) == 0 {
		return
	}
	p.seeded[key] = true
	amount := p.cfg.SeedInventory.Div(book.Bids[0].Price)
	p.credit(venue, base, amount)
	p.logger.Debug("Seeded paper inventory", slog.String("venue", venue), slog.String("asset", base), slog.String("amount", amount.String()))
}

// QueryOrder is a no-op: paper fills are final when placed.
func (p *PaperGateway) QueryOrder(_ context.Context, leg *domain.Leg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[leg.ExchangeID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, leg.ExchangeID)
	}
	return nil
}

// CancelOrder cancels the unfilled remainder.
func (p *PaperGateway) CancelOrder(_ context.Context, leg *domain.Leg) error {
	if leg.Status.IsTerminal() {
		return nil
	}
	return leg.Transition(domain.OrderStatusCancelled)
}
