package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Check names reported with a rejection.
const (
	CheckDailyLoss     = "daily_loss"
	CheckOpenPositions = "open_positions"
	CheckMinProfit     = "min_profit"
	CheckSymbolBlocked = "symbol_blocked"
	CheckVenueHealth   = "venue_health"
	CheckPositionSize  = "position_size"
	CheckBalance       = "balance"
)

// Config holds the risk limits.
type Config struct {
	MaxDailyLoss        decimal.Decimal // Positive amount in quote currency
	MaxOpenPositions    int
	MinProfitPct        decimal.Decimal
	MaxPositionNotional decimal.Decimal // Zero disables
	MinVenueBalance     decimal.Decimal // Zero disables
	BlockTTL            time.Duration
	FailuresBeforeBlock int
	BalanceTimeout      time.Duration
}

// ConfigFrom extracts the risk section of the application config.
func ConfigFrom(cfg *infra.Config) Config {
	r := cfg.Risk
	return Config{
		MaxDailyLoss:        r.MaxDailyLoss,
		MaxOpenPositions:    r.MaxOpenPositions,
		MinProfitPct:        r.MinProfitPct,
		MaxPositionNotional: r.MaxPositionNotional,
		MinVenueBalance:     r.MinVenueBalance,
		BlockTTL:            r.BlockTTL.D(),
		FailuresBeforeBlock: r.FailuresBeforeBlock,
		BalanceTimeout:      r.BalanceTimeout.D(),
	}
}

// Decision is the outcome of Gate.Check. A rejection is a normal result, not
// an error; Check and Reason exist for observability only.
type Decision struct {
	Approved bool
	Check    string
	Reason   string
}

func reject(check, format string, args ...any) Decision {
	return Decision{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// Gate approves or rejects candidates and tracks realized P&L, open positions
// and temporary blocks. Approvals and settlements serialize on one mutex so
// the daily loss accounting stays exact.
type Gate struct {
	mu sync.Mutex

	cfg      Config
	health   domain.HealthSource
	balances domain.BalanceProvider
	venues   []string
	logger   *slog.Logger
	now      func() time.Time

	dayStart  time.Time
	hourStart time.Time
	dailyPnL  decimal.Decimal
	hourlyPnL decimal.Decimal
	open      int

	blockedSymbols map[string]time.Time
	blockedVenues  map[string]time.Time
	symbolFailures map[string]int
	venueFailures  map[string]int
}

// NewGate creates a gate. health and balances may be nil, in which case the
// corresponding checks pass. venues is the roster reported in snapshots.
func NewGate(cfg Config, health domain.HealthSource, balances domain.BalanceProvider, venues []string) *Gate {
	if cfg.FailuresBeforeBlock <= 0 {
		cfg.FailuresBeforeBlock = 3
	}
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = 5 * time.Minute
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 2 * time.Second
	}
	roster := append([]string(nil), venues...)
	sort.Strings(roster)

	g := &Gate{
		cfg:            cfg,
		health:         health,
		balances:       balances,
		venues:         roster,
		logger:         slog.Default().With(slog.String("module", "risk")),
		now:            time.Now,
		blockedSymbols: make(map[string]time.Time),
		blockedVenues:  make(map[string]time.Time),
		symbolFailures: make(map[string]int),
		venueFailures:  make(map[string]int),
	}
	now := g.now().UTC()
	g.dayStart = now.Truncate(24 * time.Hour)
	g.hourStart = now.Truncate(time.Hour)
	return g
}

// rollover resets the daily and hourly accumulators when a UTC boundary has
// passed. Caller holds mu.
func (g *Gate) rollover(now time.Time) {
	now = now.UTC()
	if day := now.Truncate(24 * time.Hour); day.After(g.dayStart) {
		g.logger.Info("Daily risk counters reset",
			slog.String("previous_pnl", g.dailyPnL.String()),
			slog.Time("day", day))
		g.dayStart = day
		g.dailyPnL = decimal.Zero
	}
	if hour := now.Truncate(time.Hour); hour.After(g.hourStart) {
		g.hourStart = hour
		g.hourlyPnL = decimal.Zero
	}
}

// blocked reports whether key is blocked at now, clearing expired entries.
func blocked(m map[string]time.Time, key string, now time.Time) (time.Time, bool) {
	until, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(m, key)
		return time.Time{}, false
	}
	return until, true
}

// Check runs the limit checks in order and stops at the first failure. An
// approved candidate holds an open position slot until Settle or Release.
func (g *Gate) Check(ctx context.Context, c domain.Candidate) Decision {
	d := g.checkLimits(c)
	if !d.Approved {
		return d
	}

	if d := g.checkBalance(ctx, c); !d.Approved {
		g.Release()
		return d
	}
	return d
}

func (g *Gate) checkLimits(c domain.Candidate) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	if g.cfg.MaxDailyLoss.IsPositive() && g.dailyPnL.Neg().GreaterThanOrEqual(g.cfg.MaxDailyLoss) {
		return reject(CheckDailyLoss, "daily loss %s reached limit %s", g.dailyPnL.Neg(), g.cfg.MaxDailyLoss)
	}
	if g.open >= g.cfg.MaxOpenPositions {
		return reject(CheckOpenPositions, "%d open positions, max %d", g.open, g.cfg.MaxOpenPositions)
	}
	if c.ProfitPct.LessThan(g.cfg.MinProfitPct) {
		return reject(CheckMinProfit, "profit %s%% below minimum %s%%", c.ProfitPct.StringFixed(4), g.cfg.MinProfitPct)
	}
	for _, s := range c.Symbols {
		if until, ok := blocked(g.blockedSymbols, s, now); ok {
			return reject(CheckSymbolBlocked, "%s blocked until %s", s, until.Format(time.RFC3339))
		}
	}
	for _, v := range c.Venues {
		if until, ok := blocked(g.blockedVenues, v, now); ok {
			return reject(CheckVenueHealth, "%s blocked until %s", v, until.Format(time.RFC3339))
		}
		if g.health != nil {
			if h := g.health.VenueHealth(v); !h.Healthy() {
				return reject(CheckVenueHealth, "%s is %s", v, h.State)
			}
		}
	}
	if g.cfg.MaxPositionNotional.IsPositive() && c.Notional.GreaterThan(g.cfg.MaxPositionNotional) {
		return reject(CheckPositionSize, "notional %s above max %s", c.Notional, g.cfg.MaxPositionNotional)
	}

	g.open++
	return Decision{Approved: true}
}

// balanceNeed is one venue/asset pair a candidate spends from.
type balanceNeed struct {
	venue    string
	asset    string
	required decimal.Decimal
}

// balanceNeeds lists what each venue must hold: the first venue funds the
// opening leg in c.Asset, a cross sell venue must hold the base it sells,
// any other venue only the MinVenueBalance floor.
func (g *Gate) balanceNeeds(c domain.Candidate) []balanceNeed {
	var needs []balanceNeed
	for i, v := range c.Venues {
		n := balanceNeed{venue: v, asset: c.Asset, required: g.cfg.MinVenueBalance}
		switch {
		case i == 0:
			n.required = decimal.Max(n.required, c.Notional)
		case c.SellAsset != "":
			n.asset, n.required = c.SellAsset, c.SellAmount
		}
		if n.required.IsPositive() {
			needs = append(needs, n)
		}
	}
	return needs
}

var errShortfall = errors.New("balance shortfall")

// checkBalance asks the balance collaborator for every need of the candidate
// concurrently, so a slow venue costs at most one BalanceTimeout. Failed
// lookups are skipped since balances are best-effort. A shortfall cancels the
// remaining lookups.
func (g *Gate) checkBalance(ctx context.Context, c domain.Candidate) Decision {
	if g.balances == nil || c.Asset == "" {
		return Decision{Approved: true}
	}
	needs := g.balanceNeeds(c)
	if len(needs) == 0 {
		return Decision{Approved: true}
	}

	results := make([]Decision, len(needs))
	eg, ectx := errgroup.WithContext(ctx)
	for i, n := range needs {
		eg.Go(func() error {
			bctx, cancel := context.WithTimeout(ectx, g.cfg.BalanceTimeout)
			defer cancel()
			bal, err := g.balances.Balance(bctx, n.venue, n.asset)
			if err != nil {
				if ectx.Err() == nil {
					g.logger.Warn("Balance unavailable, skipping check",
						slog.String("venue", n.venue),
						slog.String("asset", n.asset),
						slog.Any("error", err))
				}
				return nil
			}
			if bal.LessThan(n.required) {
				results[i] = reject(CheckBalance, "%s %s balance %s below %s", n.venue, n.asset, bal, n.required)
				return errShortfall
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, d := range results {
		if d.Check != "" {
			return d
		}
	}
	return Decision{Approved: true}
}

// Release frees a slot reserved by an approval that was never executed.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.open > 0 {
		g.open--
	}
	g.mu.Unlock()
}

// Settle records the outcome of an execution: frees its slot, adds the
// realized P&L (partial fills included) and updates the failure counters.
// Reaching FailuresBeforeBlock consecutive failures blocks the symbols and
// venues involved for BlockTTL; a success clears their counters.
func (g *Gate) Settle(s domain.Settlement) {
	g.mu.Lock()
	defer g.mu.Unlock()

	at := s.At
	if at.IsZero() {
		at = g.now()
	}
	g.rollover(at)

	if g.open > 0 {
		g.open--
	}
	g.dailyPnL = g.dailyPnL.Add(s.RealizedPnL)
	g.hourlyPnL = g.hourlyPnL.Add(s.RealizedPnL)

	if s.Success {
		for _, sym := range s.Symbols {
			delete(g.symbolFailures, sym)
		}
		for _, v := range s.Venues {
			delete(g.venueFailures, v)
		}
		return
	}

	until := at.Add(g.cfg.BlockTTL)
	for _, sym := range s.Symbols {
		g.symbolFailures[sym]++
		if g.symbolFailures[sym] >= g.cfg.FailuresBeforeBlock {
			g.blockedSymbols[sym] = until
			delete(g.symbolFailures, sym)
			g.logger.Warn("Symbol blocked after repeated failures", slog.String("symbol", sym), slog.Time("until", until))
		}
	}
	for _, v := range s.Venues {
		g.venueFailures[v]++
		if g.venueFailures[v] >= g.cfg.FailuresBeforeBlock {
			g.blockedVenues[v] = until
			delete(g.venueFailures, v)
			g.logger.Warn("Venue blocked after repeated failures", slog.String("venue", v), slog.Time("until", until))
		}
	}
}

// DayStart returns the start of the current UTC risk day.
func (g *Gate) DayStart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.now())
	return g.dayStart
}

// RestoreDailyPnL seeds the daily accumulator with P&L journaled earlier in
// the current day, so a restart does not reset the loss budget.
func (g *Gate) RestoreDailyPnL(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.now())
	g.dailyPnL = pnl
}

// Snapshot returns a copy of the risk state.
func (g *Gate) Snapshot() domain.RiskSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	remaining := g.cfg.MaxDailyLoss.Add(decimal.Min(g.dailyPnL, decimal.Zero))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	snap := domain.RiskSnapshot{
		DailyPnL:           g.dailyPnL,
		HourlyPnL:          g.hourlyPnL,
		DailyLossRemaining: remaining,
		OpenPositions:      g.open,
		BlockedSymbols:     make(map[string]time.Time),
		BlockedVenues:      make(map[string]time.Time),
		VenueHealth:        make(map[string]domain.VenueHealth, len(g.venues)),
		DayStart:           g.dayStart,
	}
	for s, until := range g.blockedSymbols {
		if now.Before(until) {
			snap.BlockedSymbols[s] = until
		}
	}
	for v, until := range g.blockedVenues {
		if now.Before(until) {
			snap.BlockedVenues[v] = until
		}
	}
	if g.health != nil {
		for _, v := range g.venues {
			snap.VenueHealth[v] = g.health.VenueHealth(v)
		}
	}
	return snap
}

// UnhealthyVenues lists roster venues that are not currently healthy.
func (g *Gate) UnhealthyVenues() []string {
	if g.health == nil {
		return nil
	}
	var out []string
	for _, v := range g.venues {
		if !g.health.VenueHealth(v).Healthy() {
			out = append(out, v)
		}
	}
	return out
}
