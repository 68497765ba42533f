package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RouteKey identifies a route for cooldown purposes.
// For triangular cycles Symbol holds the joined path and both venues match.
type RouteKey struct {
	Symbol    string
	BuyVenue  string
	SellVenue string
}

func (k RouteKey) String() string {
	return k.Symbol + "|" + k.BuyVenue + "->" + k.SellVenue
}

// CrossVenueOpportunity is a buy-low/sell-high pair across two venues.
// Created by the scanner and consumed at most once.
type CrossVenueOpportunity struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyVenue       string          `json:"buy_venue"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	SellVenue      string          `json:"sell_venue"`
	SellPrice      decimal.Decimal `json:"sell_price"`
	GrossSpreadPct decimal.Decimal `json:"gross_spread_pct"`
	FeePct         decimal.Decimal `json:"fee_pct"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`
	NetProfitPct   decimal.Decimal `json:"net_profit_pct"`
	Notional       decimal.Decimal `json:"notional"` // Position size in quote currency
	Volume         decimal.Decimal `json:"volume"`   // Base amount both books can absorb
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	Volatility     decimal.Decimal `json:"volatility"` // Recent price movement in percent
	DiscoveredAt   time.Time       `json:"discovered_at"`
}

// Route returns the cooldown key of the opportunity.
func (o *CrossVenueOpportunity) Route() RouteKey {
	return RouteKey{Symbol: o.Symbol, BuyVenue: o.BuyVenue, SellVenue: o.SellVenue}
}

// Candidate returns the risk view of the opportunity.
func (o *CrossVenueOpportunity) Candidate() Candidate {
	base, quote, _ := SplitSymbol(o.Symbol)
	return Candidate{
		Kind:       KindCross,
		Symbols:    []string{o.Symbol},
		Venues:     []string{o.BuyVenue, o.SellVenue},
		Asset:      quote,
		ProfitPct:  o.NetProfitPct,
		Notional:   o.Notional,
		SellAsset:  base,
		SellAmount: o.BaseAmount(),
	}
}

// BaseAmount is the quantity both legs trade: the notional at the buy price,
// capped by the volume both books can absorb.
func (o *CrossVenueOpportunity) BaseAmount() decimal.Decimal {
	if !o.BuyPrice.IsPositive() {
		return decimal.Zero
	}
	amount := o.Notional.Div(o.BuyPrice)
	if o.Volume.IsPositive() && o.Volume.LessThan(amount) {
		amount = o.Volume
	}
	return amount
}

// TriangularLeg is one step of a cycle on a single venue.
type TriangularLeg struct {
	Pair  string          `json:"pair"` // Canonical symbol
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
}

// TriangularOpportunity is a profitable 3-leg cycle on one venue.
type TriangularOpportunity struct {
	ID           string           `json:"id"`
	Venue        string           `json:"venue"`
	StartAsset   string           `json:"start_asset"`
	Assets       [4]string        `json:"assets"` // e.g. USDT, BTC, ETH, USDT
	Legs         [3]TriangularLeg `json:"legs"`
	FeePct       decimal.Decimal  `json:"fee_pct"` // Per leg
	NetProfitPct decimal.Decimal  `json:"net_profit_pct"`
	Notional     decimal.Decimal  `json:"notional"`
	DiscoveredAt time.Time        `json:"discovered_at"`
}

// Path renders the cycle as "USDT>BTC>ETH>USDT".
func (o *TriangularOpportunity) Path() string {
	return strings.Join(o.Assets[:], ">")
}

// Route returns the cooldown key of the cycle.
func (o *TriangularOpportunity) Route() RouteKey {
	return RouteKey{Symbol: o.Path(), BuyVenue: o.Venue, SellVenue: o.Venue}
}

// Candidate returns the risk view of the opportunity.
func (o *TriangularOpportunity) Candidate() Candidate {
	symbols := make([]string, 0, 3)
	for _, l := range o.Legs {
		symbols = append(symbols, l.Pair)
	}
	return Candidate{
		Kind:      KindTriangular,
		Symbols:   symbols,
		Venues:    []string{o.Venue},
		Asset:     o.StartAsset,
		ProfitPct: o.NetProfitPct,
		Notional:  o.Notional,
	}
}

// OpportunityKind distinguishes cross-venue and triangular opportunities.
type OpportunityKind string

const (
	KindCross      OpportunityKind = "cross"
	KindTriangular OpportunityKind = "triangular"
)

// Candidate is what the risk gate needs to know about any opportunity.
type Candidate struct {
	Kind      OpportunityKind
	Symbols   []string
	Venues    []string
	Asset     string // Funding asset spent by the first leg
	ProfitPct decimal.Decimal
	Notional  decimal.Decimal

	// Cross only: the base asset the sell venue must already hold.
	SellAsset  string
	SellAmount decimal.Decimal
}

func quoteAsset(symbol string) string {
	_, quote, _ := SplitSymbol(symbol)
	return quote
}

// LiquidityAnalysis is the executability verdict for one side of a book.
type LiquidityAnalysis struct {
	Side              Side            `json:"side"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	FilledNotional    decimal.Decimal `json:"filled_notional"`
	AchievableVolume  decimal.Decimal `json:"achievable_volume"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	BestPrice         decimal.Decimal `json:"best_price"`
	PriceImpactPct    decimal.Decimal `json:"price_impact_pct"`
	LevelsUsed        int             `json:"levels_used"`
	Executable        bool            `json:"executable"`
	Reason            string          `json:"reason,omitempty"`
}
