package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/service"
	"crypto_arb/internal/strategy"

	"github.com/shopspring/decimal"
)

// BenchmarkSequencer_CrossScan measures one exhaustive scan over 50 symbols
// quoted on 5 venues.
func BenchmarkSequencer_CrossScan(b *testing.B) {
	store := service.NewMarketStore(nil)
	venues := make(domain.VenueSet)
	now := time.Now()
	var symbols []string
	for v := 0; v < 5; v++ {
		name := fmt.Sprintf("v%d", v)
		venues[name] = domain.Venue{Name: name, TakerFee: decimal.RequireFromString("0.001"), Staleness: time.Hour}
	}
	for s := 0; s < 50; s++ {
		sym := fmt.Sprintf("C%d/USDT", s)
		symbols = append(symbols, sym)
		for v := 0; v < 5; v++ {
			px := decimal.NewFromInt(int64(100 + v))
			_ = store.OnQuote(domain.Quote{
				Symbol: sym, Venue: fmt.Sprintf("v%d", v),
				Bid: px, Ask: px.Add(decimal.NewFromInt(1)),
				BidSize: decimal.NewFromInt(10), AskSize: decimal.NewFromInt(10),
				ObservedAt: now,
			})
		}
	}

	liq := strategy.NewLiquidityAnalyzer(strategy.LiquidityConfig{
		MinFillRatio:      decimal.RequireFromString("0.5"),
		MaxPriceImpactPct: decimal.RequireFromString("0.5"),
	})
	cross := strategy.NewCrossScanner(strategy.CrossConfig{
		Mode:             strategy.ModeExhaustive,
		MinProfitPct:     decimal.RequireFromString("0.1"),
		PositionNotional: decimal.NewFromInt(100),
	}, venues, store, liq, nil, nil)
	seq := NewSequencer(Config{Monitor: true}, Deps{Cross: cross})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		seq.ScanNow(context.Background(), symbols)
	}
}
