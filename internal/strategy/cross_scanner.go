package strategy

import (
	"log/slog"
	"sort"
	"time"

	"crypto_arb/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ModeBest       = "best"
	ModeExhaustive = "exhaustive"
)

// CrossConfig configures the cross-venue scanner.
type CrossConfig struct {
	Mode             string // best | exhaustive
	MaxCandidates    int    // Per side in exhaustive mode
	MinProfitPct     decimal.Decimal
	SlippagePct      decimal.Decimal
	PositionNotional decimal.Decimal
	UseMakerFees     bool
	VolatilityWeight decimal.Decimal // 0 keeps volatility as a pure tie-break
}

// CrossScanner finds buy-low/sell-high venue pairs per symbol.
type CrossScanner struct {
	cfg        CrossConfig
	venues     domain.VenueSet
	store      MarketReader
	liquidity  *LiquidityAnalyzer
	cooldown   *CooldownTable
	volatility *VolatilityTracker
	logger     *slog.Logger
}

// NewCrossScanner creates a scanner. volatility may be nil.
func NewCrossScanner(cfg CrossConfig, venues domain.VenueSet, store MarketReader, liquidity *LiquidityAnalyzer, cooldown *CooldownTable, volatility *VolatilityTracker) *CrossScanner {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	return &CrossScanner{
		cfg:        cfg,
		venues:     venues,
		store:      store,
		liquidity:  liquidity,
		cooldown:   cooldown,
		volatility: volatility,
		logger:     slog.Default().With(slog.String("module", "cross_scanner")),
	}
}

// candidate is one venue's side of a potential trade.
type candidate struct {
	venue     domain.Venue
	price     decimal.Decimal // Ask for buys, bid for sells
	effective decimal.Decimal // Price after fee
	book      *domain.OrderBookSnapshot
}

// Scan evaluates every symbol and returns qualifying opportunities, most
// profitable first.
func (s *CrossScanner) Scan(symbols []string, now time.Time) []domain.CrossVenueOpportunity {
	var out []domain.CrossVenueOpportunity
	for _, symbol := range symbols {
		if opp, ok := s.ScanSymbol(symbol, now); ok {
			out = append(out, opp)
		}
	}
	s.rank(out)
	return out
}

// ScanSymbol returns the best qualifying pair for symbol.
func (s *CrossScanner) ScanSymbol(symbol string, now time.Time) (domain.CrossVenueOpportunity, bool) {
	buys, sells := s.collect(symbol, now)
	if len(buys) < 1 || len(sells) < 1 {
		return domain.CrossVenueOpportunity{}, false
	}

	// Cheapest effective ask first, richest effective bid first.
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].effective.LessThan(buys[j].effective) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].effective.GreaterThan(sells[j].effective) })

	if s.cfg.Mode == ModeBest {
		buys, sells = buys[:1], sells[:1]
	} else {
		if len(buys) > s.cfg.MaxCandidates {
			buys = buys[:s.cfg.MaxCandidates]
		}
		if len(sells) > s.cfg.MaxCandidates {
			sells = sells[:s.cfg.MaxCandidates]
		}
	}

	var best domain.CrossVenueOpportunity
	found := false
	for _, b := range buys {
		for _, sl := range sells {
			opp, ok := s.evaluate(symbol, b, sl, now)
			if !ok {
				continue
			}
			if !found || opp.NetProfitPct.GreaterThan(best.NetProfitPct) {
				best, found = opp, true
			}
		}
	}
	return best, found
}

// collect gathers fresh candidates for symbol. Stale entries are dropped here
// so nothing downstream can see them.
func (s *CrossScanner) collect(symbol string, now time.Time) (buys, sells []candidate) {
	for _, view := range s.store.Read(symbol, now) {
		venue, ok := s.venues.Get(view.Venue)
		if !ok {
			continue
		}
		top, fresh := freshTop(view, venue)
		if !fresh {
			continue
		}
		if s.volatility != nil {
			s.volatility.Observe(symbol, venue.Name, top.Mid(), top.ObservedAt)
		}

		fee := venue.Fee(s.cfg.UseMakerFees)
		book := freshBook(view, venue, top)
		buys = append(buys, candidate{
			venue:     venue,
			price:     top.Ask,
			effective: top.Ask.Mul(decimal.NewFromInt(1).Add(fee)),
			book:      book,
		})
		sells = append(sells, candidate{
			venue:     venue,
			price:     top.Bid,
			effective: top.Bid.Mul(decimal.NewFromInt(1).Sub(fee)),
			book:      book,
		})
	}
	return buys, sells
}

func (s *CrossScanner) evaluate(symbol string, buy, sell candidate, now time.Time) (domain.CrossVenueOpportunity, bool) {
	if buy.venue.Name == sell.venue.Name {
		return domain.CrossVenueOpportunity{}, false
	}

	feePct := buy.venue.FeePct(s.cfg.UseMakerFees).Add(sell.venue.FeePct(s.cfg.UseMakerFees))
	gross, net := NetSpreadPct(buy.price, sell.price, feePct, s.cfg.SlippagePct)
	if net.LessThan(s.cfg.MinProfitPct) {
		return domain.CrossVenueOpportunity{}, false
	}

	route := domain.RouteKey{Symbol: symbol, BuyVenue: buy.venue.Name, SellVenue: sell.venue.Name}
	if s.cooldown != nil && s.cooldown.Active(route, now) {
		return domain.CrossVenueOpportunity{}, false
	}

	// Size down until both books can take the position.
	buySize, buyLA, ok := s.liquidity.OptimalNotional(buy.book, domain.SideBuy, s.cfg.PositionNotional)
	if !ok {
		s.logger.Debug("Buy side not executable", slog.String("route", route.String()), slog.String("reason", buyLA.Reason))
		return domain.CrossVenueOpportunity{}, false
	}
	notional, sellLA, ok := s.liquidity.OptimalNotional(sell.book, domain.SideSell, buySize)
	if !ok {
		s.logger.Debug("Sell side not executable", slog.String("route", route.String()), slog.String("reason", sellLA.Reason))
		return domain.CrossVenueOpportunity{}, false
	}
	if notional.LessThan(buySize) {
		if buyLA = s.liquidity.Analyze(buy.book, domain.SideBuy, notional); !buyLA.Executable {
			return domain.CrossVenueOpportunity{}, false
		}
	}

	volume := decimal.Min(buyLA.AchievableVolume, sellLA.AchievableVolume)
	opp := domain.CrossVenueOpportunity{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		BuyVenue:       buy.venue.Name,
		BuyPrice:       buy.price,
		SellVenue:      sell.venue.Name,
		SellPrice:      sell.price,
		GrossSpreadPct: gross,
		FeePct:         feePct,
		SlippagePct:    s.cfg.SlippagePct,
		NetProfitPct:   net,
		Notional:       notional,
		Volume:         volume,
		ExpectedProfit: notional.Mul(net).Div(hundred),
		DiscoveredAt:   now,
	}
	if s.volatility != nil {
		opp.Volatility = s.volatility.Volatility(symbol, now)
	}
	return opp, true
}

// rank orders opportunities by net profit, breaking ties by volatility. A
// positive VolatilityWeight blends volatility into the primary score.
func (s *CrossScanner) rank(opps []domain.CrossVenueOpportunity) {
	score := func(o domain.CrossVenueOpportunity) decimal.Decimal {
		if s.cfg.VolatilityWeight.IsPositive() {
			return o.NetProfitPct.Add(o.Volatility.Mul(s.cfg.VolatilityWeight))
		}
		return o.NetProfitPct
	}
	sort.SliceStable(opps, func(i, j int) bool {
		si, sj := score(opps[i]), score(opps[j])
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return opps[i].Volatility.GreaterThan(opps[j].Volatility)
	})
}

// NetSpreadPct returns gross = (sell - buy) / buy * 100 and
// net = gross - feePct - slippagePct.
func NetSpreadPct(buyPrice, sellPrice, feePct, slippagePct decimal.Decimal) (gross, net decimal.Decimal) {
	gross = sellPrice.Sub(buyPrice).Div(buyPrice).Mul(hundred)
	net = gross.Sub(feePct).Sub(slippagePct)
	return gross, net
}
