package strategy

import (
	"strings"
	"testing"

	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func levels(rows ...[2]string) []domain.Level {
	out := make([]domain.Level, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Level{Price: d(r[0]), Size: d(r[1])})
	}
	return out
}

func defaultLiquidity() *LiquidityAnalyzer {
	return NewLiquidityAnalyzer(LiquidityConfig{
		MinFillRatio:      d("0.5"),
		MaxPriceImpactPct: d("0.5"),
		MinLiquidity:      d("5"),
		MaxLevels:         20,
	})
}

func TestLiquidityAnalyzer_WalksLevels(t *testing.T) {
	book := &domain.OrderBookSnapshot{Asks: levels([2]string{"100", "1"}, [2]string{"101", "2"})}

	res := defaultLiquidity().Analyze(book, domain.SideBuy, d("150"))

	// 1 at 100, then 50 quote at 101.
	if got := res.AchievableVolume.Round(3); !got.Equal(d("1.495")) {
		t.Errorf("expected volume 1.495, got %s", got)
	}
	if got := res.AvgPrice.Round(2); !got.Equal(d("100.33")) {
		t.Errorf("expected avg price 100.33, got %s", got)
	}
	if !res.FilledNotional.Equal(d("150")) || res.LevelsUsed != 2 {
		t.Errorf("unexpected fill %s over %d levels", res.FilledNotional, res.LevelsUsed)
	}
	if !res.Executable {
		t.Errorf("expected executable, reason %q", res.Reason)
	}
	if got := res.PriceImpactPct.Round(2); !got.Equal(d("0.33")) {
		t.Errorf("expected impact 0.33%%, got %s", got)
	}
}

func TestLiquidityAnalyzer_Verdicts(t *testing.T) {
	tests := []struct {
		name       string
		cfg        LiquidityConfig
		bids       []domain.Level
		notional   string
		executable bool
		reason     string
	}{
		{
			name:     "empty side",
			cfg:      LiquidityConfig{MinFillRatio: d("0.5"), MaxPriceImpactPct: d("1")},
			notional: "100",
			reason:   "no levels",
		},
		{
			name:     "partial fill above ratio",
			cfg:      LiquidityConfig{MinFillRatio: d("0.5"), MaxPriceImpactPct: d("1")},
			bids:     levels([2]string{"100", "0.6"}),
			notional: "100",
			// 60 of 100 fillable
			executable: true,
		},
		{
			name:     "partial fill below ratio",
			cfg:      LiquidityConfig{MinFillRatio: d("0.8"), MaxPriceImpactPct: d("1")},
			bids:     levels([2]string{"100", "0.6"}),
			notional: "100",
			reason:   "insufficient depth",
		},
		{
			name:     "impact too high",
			cfg:      LiquidityConfig{MinFillRatio: d("0.5"), MaxPriceImpactPct: d("0.1")},
			bids:     levels([2]string{"100", "0.5"}, [2]string{"90", "10"}),
			notional: "500",
			reason:   "price impact",
		},
		{
			name:     "below liquidity floor",
			cfg:      LiquidityConfig{MinFillRatio: d("0.5"), MaxPriceImpactPct: d("1"), MinLiquidity: d("50")},
			bids:     levels([2]string{"100", "0.3"}),
			notional: "40",
			reason:   "below floor",
		},
		{
			name:     "max levels caps the walk",
			cfg:      LiquidityConfig{MinFillRatio: d("0.9"), MaxPriceImpactPct: d("5"), MaxLevels: 1},
			bids:     levels([2]string{"100", "1"}, [2]string{"99", "10"}),
			notional: "500",
			reason:   "insufficient depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := &domain.OrderBookSnapshot{Bids: tt.bids}
			res := NewLiquidityAnalyzer(tt.cfg).Analyze(book, domain.SideSell, d(tt.notional))
			if res.Executable != tt.executable {
				t.Errorf("executable = %v, want %v (reason %q)", res.Executable, tt.executable, res.Reason)
			}
			if tt.reason != "" && !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("reason %q does not mention %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestLiquidityAnalyzer_EmptySideImpact(t *testing.T) {
	res := defaultLiquidity().Analyze(&domain.OrderBookSnapshot{}, domain.SideBuy, d("10"))
	if res.Executable || !res.PriceImpactPct.Equal(d("100")) {
		t.Errorf("empty side must be 100%% impact and not executable, got %+v", res)
	}
}

func TestLiquidityAnalyzer_OptimalNotional(t *testing.T) {
	a := NewLiquidityAnalyzer(LiquidityConfig{MinFillRatio: d("1"), MaxPriceImpactPct: d("10")})
	book := &domain.OrderBookSnapshot{Asks: levels([2]string{"100", "6"})}

	size, res, ok := a.OptimalNotional(book, domain.SideBuy, d("1000"))
	if !ok {
		t.Fatalf("expected an executable size, last reason %q", res.Reason)
	}
	// 600 of depth: 1000 and 750 fail, 500 fits.
	if !size.Equal(d("500")) {
		t.Errorf("expected 500, got %s", size)
	}
}
