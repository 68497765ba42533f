package strategy

import (
	"fmt"

	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	// probeFractions are the position sizes tried by OptimalNotional.
	probeFractions = []decimal.Decimal{
		decimal.RequireFromString("1"),
		decimal.RequireFromString("0.75"),
		decimal.RequireFromString("0.5"),
		decimal.RequireFromString("0.25"),
	}
)

// LiquidityConfig holds the executability thresholds.
type LiquidityConfig struct {
	MinFillRatio      decimal.Decimal // Share of the requested notional that must be fillable
	MaxPriceImpactPct decimal.Decimal
	MinLiquidity      decimal.Decimal // Floor on fillable notional, quote currency
	MaxLevels         int             // Levels walked per side, 0 = all
}

// LiquidityAnalyzer turns a book side into an executability verdict.
// Stateless; safe for concurrent use.
type LiquidityAnalyzer struct {
	cfg LiquidityConfig
}

// NewLiquidityAnalyzer creates an analyzer.
func NewLiquidityAnalyzer(cfg LiquidityConfig) *LiquidityAnalyzer {
	return &LiquidityAnalyzer{cfg: cfg}
}

// Analyze walks the side a taker consumes (asks for a buy, bids for a sell)
// from best to worst until notional is covered or levels run out.
func (a *LiquidityAnalyzer) Analyze(book *domain.OrderBookSnapshot, side domain.Side, notional decimal.Decimal) domain.LiquidityAnalysis {
	res := domain.LiquidityAnalysis{Side: side, RequestedNotional: notional}

	var levels []domain.Level
	if book != nil {
		levels = book.Side(side)
	}
	if len(levels) == 0 {
		res.PriceImpactPct = hundred
		res.Reason = "no levels on " + string(side) + " side"
		return res
	}
	if !notional.IsPositive() {
		res.Reason = "requested notional must be positive"
		return res
	}

	best := levels[0].Price
	res.BestPrice = best

	remaining := notional
	cost := decimal.Zero
	volume := decimal.Zero
	for i, l := range levels {
		if a.cfg.MaxLevels > 0 && i >= a.cfg.MaxLevels {
			break
		}
		if !l.Size.IsPositive() {
			continue
		}
		res.LevelsUsed++
		levelNotional := l.Notional()
		if levelNotional.GreaterThanOrEqual(remaining) {
			volume = volume.Add(remaining.Div(l.Price))
			cost = cost.Add(remaining)
			remaining = decimal.Zero
			break
		}
		volume = volume.Add(l.Size)
		cost = cost.Add(levelNotional)
		remaining = remaining.Sub(levelNotional)
	}

	res.FilledNotional = cost
	res.AchievableVolume = volume
	if volume.IsPositive() {
		res.AvgPrice = cost.Div(volume)
		res.PriceImpactPct = res.AvgPrice.Sub(best).Abs().Div(best).Mul(hundred)
	} else {
		res.PriceImpactPct = hundred
	}

	fillRatio := cost.Div(notional)
	switch {
	case fillRatio.LessThan(a.cfg.MinFillRatio):
		res.Reason = fmt.Sprintf("insufficient depth: %s of %s fillable", cost.StringFixed(2), notional.StringFixed(2))
	case res.PriceImpactPct.GreaterThan(a.cfg.MaxPriceImpactPct):
		res.Reason = fmt.Sprintf("price impact %s%% above %s%%", res.PriceImpactPct.StringFixed(4), a.cfg.MaxPriceImpactPct)
	case cost.LessThan(a.cfg.MinLiquidity):
		res.Reason = fmt.Sprintf("liquidity %s below floor %s", cost.StringFixed(2), a.cfg.MinLiquidity)
	default:
		res.Executable = true
	}
	return res
}

// OptimalNotional probes 100/75/50/25% of max and returns the largest size
// that is executable. ok is false when none is.
func (a *LiquidityAnalyzer) OptimalNotional(book *domain.OrderBookSnapshot, side domain.Side, max decimal.Decimal) (decimal.Decimal, domain.LiquidityAnalysis, bool) {
	var last domain.LiquidityAnalysis
	for _, f := range probeFractions {
		size := max.Mul(f)
		last = a.Analyze(book, side, size)
		if last.Executable {
			return size, last, true
		}
	}
	return decimal.Zero, last, false
}
