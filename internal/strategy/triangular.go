package strategy

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"crypto_arb/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// DefaultStartAssets are the stablecoins cycles start and end in.
	DefaultStartAssets = []string{"USDT", "USDC", "BUSD"}
	// DefaultIntermediates bound the first hop of a cycle.
	DefaultIntermediates = []string{"BTC", "ETH", "BNB", "USDC", "USDT", "BUSD"}

	one           = decimal.NewFromInt(1)
	liquidityHalf = decimal.RequireFromString("0.5")
)

// PathLeg is one pair and direction of a cycle.
type PathLeg struct {
	Pair string
	Side domain.Side
}

// Path is a 3-leg cycle on one venue, e.g. USDT>BTC>ETH>USDT.
type Path struct {
	Assets [4]string
	Legs   [3]PathLeg
}

func (p Path) key() string {
	parts := make([]string, 0, 3)
	for _, l := range p.Legs {
		parts = append(parts, l.Pair+":"+string(l.Side))
	}
	return strings.Join(parts, ",")
}

// hop resolves the trade taking from -> to using listed pairs: buying to/from
// when that pair exists, otherwise selling from/to.
func hop(pairs map[string]bool, from, to string) (PathLeg, bool) {
	if p := domain.Canonical(to, from); pairs[p] {
		return PathLeg{Pair: p, Side: domain.SideBuy}, true
	}
	if p := domain.Canonical(from, to); pairs[p] {
		return PathLeg{Pair: p, Side: domain.SideSell}, true
	}
	return PathLeg{}, false
}

// BuildPaths enumerates start>a>b>start cycles from the listed symbols, with
// a limited to intermediates and b any asset listed against both a and start.
// Each cycle is emitted in both directions. Output order is deterministic.
func BuildPaths(symbols []string, starts, intermediates []string) []Path {
	pairs := make(map[string]bool, len(symbols))
	neighbors := make(map[string]map[string]bool)
	link := func(a, b string) {
		if neighbors[a] == nil {
			neighbors[a] = make(map[string]bool)
		}
		neighbors[a][b] = true
	}
	for _, s := range symbols {
		base, quote, ok := domain.SplitSymbol(s)
		if !ok {
			continue
		}
		pairs[s] = true
		link(base, quote)
		link(quote, base)
	}

	seen := make(map[string]bool)
	var paths []Path
	add := func(assets [4]string) {
		var p Path
		p.Assets = assets
		for i := 0; i < 3; i++ {
			leg, ok := hop(pairs, assets[i], assets[i+1])
			if !ok {
				return
			}
			p.Legs[i] = leg
		}
		if k := p.key(); !seen[k] {
			seen[k] = true
			paths = append(paths, p)
		}
	}

	for _, start := range starts {
		for _, a := range intermediates {
			if a == start || !neighbors[start][a] {
				continue
			}
			others := make([]string, 0, len(neighbors[a]))
			for b := range neighbors[a] {
				if b != start && b != a && neighbors[b][start] {
					others = append(others, b)
				}
			}
			sort.Strings(others)
			for _, b := range others {
				add([4]string{start, a, b, start})
				add([4]string{start, b, a, start})
			}
		}
	}
	return paths
}

// CycleFinal applies each leg in order to one unit of the start asset:
// divide by price when buying, multiply when selling, then deduct the fee.
func CycleFinal(legs [3]domain.TriangularLeg, fee decimal.Decimal) decimal.Decimal {
	amount := one
	keep := one.Sub(fee)
	for _, l := range legs {
		if l.Side == domain.SideBuy {
			amount = amount.Div(l.Price)
		} else {
			amount = amount.Mul(l.Price)
		}
		amount = amount.Mul(keep)
	}
	return amount
}

// CycleProfitPct returns (final - 1) * 100 minus a fixed slippage allowance
// per leg.
//
// The allowance is an approximation: it is the same for every leg whatever
// the depth of the intermediate books, so a thin middle market can cost more
// than slippagePerLegPct. Depth is only used to size the cycle (see
// cycleNotional), not to price its slippage.
func CycleProfitPct(legs [3]domain.TriangularLeg, fee, slippagePerLegPct decimal.Decimal) decimal.Decimal {
	net := CycleFinal(legs, fee).Sub(one).Mul(hundred)
	return net.Sub(slippagePerLegPct.Mul(decimal.NewFromInt(3)))
}

// TriangularConfig configures the triangular scanner.
type TriangularConfig struct {
	MinProfitPct     decimal.Decimal
	SlippagePerLeg   decimal.Decimal // Percent, fixed allowance per leg
	PositionNotional decimal.Decimal // In start asset units
	UseMakerFees     bool
	StartAssets      []string
	Intermediates    []string
}

// TriangularScanner evaluates cycles per venue. Paths are built once per
// venue from its configured symbols.
type TriangularScanner struct {
	cfg      TriangularConfig
	venues   domain.VenueSet
	store    MarketReader
	cooldown *CooldownTable
	paths    map[string][]Path
	logger   *slog.Logger
}

// NewTriangularScanner creates a scanner. venueSymbols maps venue name to the
// canonical symbols it lists.
func NewTriangularScanner(cfg TriangularConfig, venues domain.VenueSet, venueSymbols map[string][]string, store MarketReader, cooldown *CooldownTable) *TriangularScanner {
	if len(cfg.StartAssets) == 0 {
		cfg.StartAssets = DefaultStartAssets
	}
	if len(cfg.Intermediates) == 0 {
		cfg.Intermediates = DefaultIntermediates
	}
	s := &TriangularScanner{
		cfg:      cfg,
		venues:   venues,
		store:    store,
		cooldown: cooldown,
		paths:    make(map[string][]Path),
		logger:   slog.Default().With(slog.String("module", "triangular")),
	}
	for venue, symbols := range venueSymbols {
		if _, ok := venues.Get(venue); !ok {
			continue
		}
		s.paths[venue] = BuildPaths(symbols, cfg.StartAssets, cfg.Intermediates)
		s.logger.Info("Triangular paths initialized", slog.String("venue", venue), slog.Int("paths", len(s.paths[venue])))
	}
	return s
}

// Paths returns the cycles known for venue.
func (s *TriangularScanner) Paths(venue string) []Path {
	return s.paths[venue]
}

// ScanCycles evaluates every path on every venue, most profitable first.
func (s *TriangularScanner) ScanCycles(now time.Time) []domain.TriangularOpportunity {
	venues := make([]string, 0, len(s.paths))
	for v := range s.paths {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var out []domain.TriangularOpportunity
	for _, name := range venues {
		venue, _ := s.venues.Get(name)
		tops := make(map[string]domain.Quote)
		for _, p := range s.paths[name] {
			opp, ok := s.evaluate(venue, p, tops, now)
			if ok {
				out = append(out, opp)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NetProfitPct.GreaterThan(out[j].NetProfitPct) })
	return out
}

// top reads a fresh quote for pair on venue, memoized per scan.
func (s *TriangularScanner) top(venue domain.Venue, pair string, cache map[string]domain.Quote, now time.Time) (domain.Quote, bool) {
	if q, ok := cache[pair]; ok {
		return q, q.Bid.IsPositive()
	}
	for _, view := range s.store.Read(pair, now) {
		if view.Venue != venue.Name {
			continue
		}
		if q, ok := freshTop(view, venue); ok {
			cache[pair] = q
			return q, true
		}
	}
	cache[pair] = domain.Quote{}
	return domain.Quote{}, false
}

func (s *TriangularScanner) evaluate(venue domain.Venue, p Path, cache map[string]domain.Quote, now time.Time) (domain.TriangularOpportunity, bool) {
	var legs [3]domain.TriangularLeg
	var quotes [3]domain.Quote
	for i, pl := range p.Legs {
		q, ok := s.top(venue, pl.Pair, cache, now)
		if !ok {
			return domain.TriangularOpportunity{}, false
		}
		price := q.Ask
		if pl.Side == domain.SideSell {
			price = q.Bid
		}
		legs[i] = domain.TriangularLeg{Pair: pl.Pair, Side: pl.Side, Price: price}
		quotes[i] = q
	}

	fee := venue.Fee(s.cfg.UseMakerFees)
	net := CycleProfitPct(legs, fee, s.cfg.SlippagePerLeg)
	if !net.GreaterThan(s.cfg.MinProfitPct) {
		return domain.TriangularOpportunity{}, false
	}

	opp := domain.TriangularOpportunity{
		ID:           uuid.NewString(),
		Venue:        venue.Name,
		StartAsset:   p.Assets[0],
		Assets:       p.Assets,
		Legs:         legs,
		FeePct:       venue.FeePct(s.cfg.UseMakerFees),
		NetProfitPct: net,
		DiscoveredAt: now,
	}
	if s.cooldown != nil && s.cooldown.Active(opp.Route(), now) {
		return domain.TriangularOpportunity{}, false
	}

	opp.Notional = cycleNotional(legs, quotes, s.cfg.PositionNotional)
	if !opp.Notional.IsPositive() {
		return domain.TriangularOpportunity{}, false
	}
	return opp, true
}

// cycleNotional caps the position at half of the thinnest top level along the
// cycle, measured in start asset units. Levels without a reported size do
// not constrain.
func cycleNotional(legs [3]domain.TriangularLeg, quotes [3]domain.Quote, max decimal.Decimal) decimal.Decimal {
	limit := max
	perStart := one // Units of the current asset per unit of start asset
	for i, l := range legs {
		var available decimal.Decimal // In units of the asset being spent
		if l.Side == domain.SideBuy {
			available = quotes[i].AskSize.Mul(l.Price)
		} else {
			available = quotes[i].BidSize
		}
		if available.IsPositive() {
			inStart := available.Div(perStart).Mul(liquidityHalf)
			if inStart.LessThan(limit) {
				limit = inStart
			}
		}
		if l.Side == domain.SideBuy {
			perStart = perStart.Div(l.Price)
		} else {
			perStart = perStart.Mul(l.Price)
		}
	}
	return limit
}
