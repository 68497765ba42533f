package execution

import (
	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// RealizedPnL values the filled quantities of legs in units of start.
//
// Every fill moves two balances: a buy of B/Q adds filled B and removes
// filled*avg Q, a sell does the reverse. Fees are charged in Q. Assets other
// than start are marked at the fill price that first brought them in, so an
// unclosed position counts at cost and only fees and closed price differences
// show up as P&L. Legs are processed in order; unwind legs go last.
func RealizedPnL(start string, legs []*domain.Leg) decimal.Decimal {
	delta := make(map[string]decimal.Decimal)
	rate := map[string]decimal.Decimal{start: decimal.NewFromInt(1)}

	for _, l := range legs {
		if !l.Filled.IsPositive() {
			continue
		}
		base, quote, ok := domain.SplitSymbol(l.Symbol)
		if !ok {
			continue
		}
		qty := l.Filled
		notional := l.FilledNotional()

		_, baseKnown := rate[base]
		_, quoteKnown := rate[quote]
		switch {
		case quoteKnown && !baseKnown:
			rate[base] = l.AvgFillPrice.Mul(rate[quote])
		case baseKnown && !quoteKnown && l.AvgFillPrice.IsPositive():
			rate[quote] = rate[base].Div(l.AvgFillPrice)
		}

		if l.Side == domain.SideBuy {
			delta[base] = delta[base].Add(qty)
			delta[quote] = delta[quote].Sub(notional)
		} else {
			delta[base] = delta[base].Sub(qty)
			delta[quote] = delta[quote].Add(notional)
		}
		delta[quote] = delta[quote].Sub(l.Fee)
	}

	pnl := decimal.Zero
	for asset, amount := range delta {
		r, ok := rate[asset]
		if !ok {
			continue
		}
		pnl = pnl.Add(amount.Mul(r))
	}
	return pnl
}
