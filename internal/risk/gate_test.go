package risk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crypto_arb/internal/domain"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeHealth map[string]domain.HealthState

func (f fakeHealth) VenueHealth(v string) domain.VenueHealth {
	return domain.VenueHealth{State: f[v]}
}

type fakeBalances struct {
	bal   map[string]decimal.Decimal
	err   error
	delay time.Duration
}

func (f *fakeBalances) Balance(ctx context.Context, venue, asset string) (decimal.Decimal, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.bal[venue+":"+asset], nil
}

func testConfig() Config {
	return Config{
		MaxDailyLoss:        d("50"),
		MaxOpenPositions:    3,
		MinProfitPct:        d("0.15"),
		MaxPositionNotional: d("1000"),
		BlockTTL:            5 * time.Minute,
		FailuresBeforeBlock: 3,
		BalanceTimeout:      50 * time.Millisecond,
	}
}

// newTestGate pins the clock to clock.
func newTestGate(cfg Config, health domain.HealthSource, balances domain.BalanceProvider, clock *time.Time) *Gate {
	g := NewGate(cfg, health, balances, []string{"a", "b"})
	g.now = func() time.Time { return *clock }
	g.dayStart = clock.UTC().Truncate(24 * time.Hour)
	g.hourStart = clock.UTC().Truncate(time.Hour)
	return g
}

func cross(profit string) domain.Candidate {
	return domain.Candidate{
		Kind:      domain.KindCross,
		Symbols:   []string{"BTC/USDT"},
		Venues:    []string{"a", "b"},
		Asset:     "USDT",
		ProfitPct: d(profit),
		Notional:  d("100"),
	}
}

func TestGate_CheckOrder(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("daily loss first", func(t *testing.T) {
		g := newTestGate(testConfig(), fakeHealth{"a": domain.HealthCoolingDown}, nil, &clock)
		g.Settle(domain.Settlement{RealizedPnL: d("-50"), At: clock})
		// Candidate also fails min profit and venue health; daily loss wins.
		dec := g.Check(ctx, cross("0.01"))
		if dec.Approved || dec.Check != CheckDailyLoss {
			t.Errorf("expected daily_loss rejection, got %+v", dec)
		}
	})

	t.Run("open positions", func(t *testing.T) {
		g := newTestGate(testConfig(), nil, nil, &clock)
		for i := 0; i < 3; i++ {
			if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
				t.Fatalf("approval %d rejected: %+v", i, dec)
			}
		}
		if dec := g.Check(ctx, cross("0.5")); dec.Check != CheckOpenPositions {
			t.Errorf("expected open_positions rejection, got %+v", dec)
		}
		g.Release()
		if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
			t.Errorf("released slot should be reusable, got %+v", dec)
		}
	})

	t.Run("min profit", func(t *testing.T) {
		g := newTestGate(testConfig(), nil, nil, &clock)
		if dec := g.Check(ctx, cross("0.149")); dec.Check != CheckMinProfit {
			t.Errorf("expected min_profit rejection, got %+v", dec)
		}
		if dec := g.Check(ctx, cross("0.15")); !dec.Approved {
			t.Errorf("threshold itself should pass, got %+v", dec)
		}
	})

	t.Run("venue health", func(t *testing.T) {
		g := newTestGate(testConfig(), fakeHealth{"a": domain.HealthHealthy, "b": domain.HealthDegraded}, nil, &clock)
		if dec := g.Check(ctx, cross("0.5")); dec.Check != CheckVenueHealth {
			t.Errorf("expected venue_health rejection, got %+v", dec)
		}
		if g.Snapshot().OpenPositions != 0 {
			t.Error("rejection must not hold a slot")
		}
	})

	t.Run("position size", func(t *testing.T) {
		g := newTestGate(testConfig(), nil, nil, &clock)
		c := cross("0.5")
		c.Notional = d("1000.01")
		if dec := g.Check(ctx, c); dec.Check != CheckPositionSize {
			t.Errorf("expected position_size rejection, got %+v", dec)
		}
	})
}

func TestGate_BlocksAfterRepeatedFailures(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	g := newTestGate(testConfig(), nil, nil, &clock)

	fail := domain.Settlement{Symbols: []string{"BTC/USDT"}, Venues: []string{"a", "b"}, At: clock}
	for i := 0; i < 2; i++ {
		g.Check(ctx, cross("0.5"))
		g.Settle(fail)
	}
	if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
		t.Fatalf("two failures must not block yet: %+v", dec)
	}
	g.Settle(fail)

	dec := g.Check(ctx, cross("0.5"))
	if dec.Approved || dec.Check != CheckSymbolBlocked {
		t.Fatalf("expected symbol_blocked after 3 failures, got %+v", dec)
	}
	snap := g.Snapshot()
	if len(snap.BlockedSymbols) != 1 || len(snap.BlockedVenues) != 2 {
		t.Errorf("unexpected blocks %+v / %+v", snap.BlockedSymbols, snap.BlockedVenues)
	}

	// TTL expiry auto-unblocks.
	clock = clock.Add(5 * time.Minute)
	if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
		t.Errorf("block should expire after TTL, got %+v", dec)
	}
}

func TestGate_SuccessResetsFailures(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g := newTestGate(testConfig(), nil, nil, &clock)

	fail := domain.Settlement{Symbols: []string{"BTC/USDT"}, Venues: []string{"a"}, At: clock}
	g.Settle(fail)
	g.Settle(fail)
	g.Settle(domain.Settlement{Symbols: []string{"BTC/USDT"}, Venues: []string{"a"}, Success: true, At: clock})
	g.Settle(fail)

	if snap := g.Snapshot(); len(snap.BlockedSymbols) != 0 {
		t.Errorf("failures separated by a success must not block: %+v", snap.BlockedSymbols)
	}
}

func TestGate_PartialPnLAndDailyReset(t *testing.T) {
	clock := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	g := newTestGate(testConfig(), nil, nil, &clock)

	g.Check(context.Background(), cross("0.5"))
	g.Settle(domain.Settlement{RealizedPnL: d("-0.1"), At: clock})

	snap := g.Snapshot()
	if !snap.DailyPnL.Equal(d("-0.1")) || !snap.HourlyPnL.Equal(d("-0.1")) {
		t.Errorf("partial P&L not recorded: daily %s hourly %s", snap.DailyPnL, snap.HourlyPnL)
	}
	if !snap.DailyLossRemaining.Equal(d("49.9")) {
		t.Errorf("expected 49.9 remaining, got %s", snap.DailyLossRemaining)
	}
	if snap.OpenPositions != 0 {
		t.Errorf("settlement should free the slot, got %d", snap.OpenPositions)
	}

	clock = clock.Add(time.Hour)
	snap = g.Snapshot()
	if !snap.DailyPnL.IsZero() || !snap.HourlyPnL.IsZero() {
		t.Errorf("counters should reset at the UTC boundary, got %s / %s", snap.DailyPnL, snap.HourlyPnL)
	}
	if !snap.DayStart.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected day start %s", snap.DayStart)
	}
}

func TestGate_BalanceCheck(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("insufficient", func(t *testing.T) {
		bal := &fakeBalances{bal: map[string]decimal.Decimal{"a:USDT": d("50"), "b:USDT": d("500")}}
		g := newTestGate(testConfig(), nil, bal, &clock)
		dec := g.Check(ctx, cross("0.5"))
		if dec.Approved || dec.Check != CheckBalance {
			t.Errorf("expected balance rejection, got %+v", dec)
		}
		if g.Snapshot().OpenPositions != 0 {
			t.Error("balance rejection must release its slot")
		}
	})

	t.Run("sufficient", func(t *testing.T) {
		bal := &fakeBalances{bal: map[string]decimal.Decimal{"a:USDT": d("100")}}
		g := newTestGate(testConfig(), nil, bal, &clock)
		if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
			t.Errorf("expected approval, got %+v", dec)
		}
	})

	t.Run("unavailable is skipped", func(t *testing.T) {
		g := newTestGate(testConfig(), nil, &fakeBalances{err: errors.New("down")}, &clock)
		if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
			t.Errorf("balance errors must not reject, got %+v", dec)
		}
	})

	t.Run("slow lookup is bounded", func(t *testing.T) {
		g := newTestGate(testConfig(), nil, &fakeBalances{delay: time.Second}, &clock)
		start := time.Now()
		if dec := g.Check(ctx, cross("0.5")); !dec.Approved {
			t.Errorf("timed out lookup should be skipped, got %+v", dec)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("balance lookup was not bounded by the timeout")
		}
	})
}

func TestGate_SellVenueNeedsBase(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	c := cross("0.5")
	c.SellAsset = "BTC"
	c.SellAmount = d("0.002")

	t.Run("quote on the sell venue is not enough", func(t *testing.T) {
		bal := &fakeBalances{bal: map[string]decimal.Decimal{"a:USDT": d("100"), "b:USDT": d("10000")}}
		g := newTestGate(testConfig(), nil, bal, &clock)
		dec := g.Check(ctx, c)
		if dec.Approved || dec.Check != CheckBalance {
			t.Fatalf("expected base shortfall on b, got %+v", dec)
		}
		if g.Snapshot().OpenPositions != 0 {
			t.Error("balance rejection must release its slot")
		}
	})

	t.Run("base held", func(t *testing.T) {
		bal := &fakeBalances{bal: map[string]decimal.Decimal{"a:USDT": d("100"), "b:BTC": d("0.002")}}
		g := newTestGate(testConfig(), nil, bal, &clock)
		if dec := g.Check(ctx, c); !dec.Approved {
			t.Errorf("expected approval, got %+v", dec)
		}
	})
}

// slowBalances records how many lookups overlap.
type slowBalances struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowBalances) Balance(ctx context.Context, venue, asset string) (decimal.Decimal, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
	return d("1000"), nil
}

func TestGate_BalanceLookupsRunConcurrently(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.BalanceTimeout = time.Second
	bal := &slowBalances{delay: 50 * time.Millisecond}
	g := newTestGate(cfg, nil, bal, &clock)

	c := cross("0.5")
	c.SellAsset = "BTC"
	c.SellAmount = d("0.002")
	if dec := g.Check(context.Background(), c); !dec.Approved {
		t.Fatalf("expected approval, got %+v", dec)
	}
	if got := bal.peak.Load(); got != 2 {
		t.Errorf("expected both venues looked up at once, peak %d", got)
	}
}

func TestGate_RestoreDailyPnL(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g := newTestGate(testConfig(), nil, nil, &clock)

	if !g.DayStart().Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day start %s", g.DayStart())
	}
	g.RestoreDailyPnL(d("-50"))

	dec := g.Check(context.Background(), cross("0.5"))
	if dec.Approved || dec.Check != CheckDailyLoss {
		t.Errorf("restored loss should exhaust the budget, got %+v", dec)
	}
	if snap := g.Snapshot(); !snap.DailyLossRemaining.IsZero() {
		t.Errorf("expected no remaining budget, got %s", snap.DailyLossRemaining)
	}
}
