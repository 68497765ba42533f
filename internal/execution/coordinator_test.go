package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/service"
	"crypto_arb/internal/strategy"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fillPlan scripts how a venue answers one side.
type fillPlan struct {
	price decimal.Decimal
	fee   decimal.Decimal
	err   error
	hang  bool // Accept the order but never fill it
}

type scriptedGateway struct {
	mu        sync.Mutex
	plans     map[string]fillPlan // "venue:SIDE"
	placed    []string
	cancelled []string
}

func (g *scriptedGateway) PlaceOrder(_ context.Context, leg *domain.Leg) error {
	g.mu.Lock()
	plan, ok := g.plans[leg.Venue+":"+string(leg.Side)]
	g.placed = append(g.placed, leg.Venue+":"+leg.Symbol+":"+string(leg.Side))
	g.mu.Unlock()
	if !ok {
		return errors.New("no plan")
	}
	if plan.err != nil {
		return plan.err
	}
	leg.ExchangeID = "x-" + leg.ID
	if err := leg.Transition(domain.OrderStatusPlaced); err != nil {
		return err
	}
	if plan.hang {
		return nil
	}
	return leg.ApplyFill(leg.Amount, plan.price, plan.fee)
}

func (g *scriptedGateway) QueryOrder(context.Context, *domain.Leg) error { return nil }

func (g *scriptedGateway) CancelOrder(_ context.Context, leg *domain.Leg) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, leg.ID)
	g.mu.Unlock()
	return leg.Transition(domain.OrderStatusCancelled)
}

type recordingSettler struct {
	settlements []domain.Settlement
}

func (r *recordingSettler) Settle(s domain.Settlement) { r.settlements = append(r.settlements, s) }

func crossOpp() domain.CrossVenueOpportunity {
	return domain.CrossVenueOpportunity{
		ID:             "opp-1",
		Symbol:         "BTC/USDT",
		BuyVenue:       "a",
		BuyPrice:       d("100"),
		SellVenue:      "b",
		SellPrice:      d("101.5"),
		NetProfitPct:   d("1.25"),
		Notional:       d("100"),
		Volume:         d("1"),
		ExpectedProfit: d("1.25"),
	}
}

func newTestCoordinator(gw OrderGateway, cfg Config) (*Coordinator, *recordingSettler, *strategy.CooldownTable) {
	settler := &recordingSettler{}
	cooldown := strategy.NewCooldownTable(time.Minute)
	venues := domain.VenueSet{
		"a": {Name: "a", TakerFee: d("0.001"), Staleness: 5 * time.Second},
		"b": {Name: "b", TakerFee: d("0.001"), Staleness: 5 * time.Second},
	}
	return NewCoordinator(cfg, gw, venues, settler, cooldown, nil, nil), settler, cooldown
}

func assertHistory(t *testing.T, rec *domain.ExecutionRecord, want ...domain.ExecutionState) {
	t.Helper()
	if len(rec.History) != len(want) {
		t.Fatalf("history %v, want %v", rec.History, want)
	}
	for i := range want {
		if rec.History[i] != want[i] {
			t.Fatalf("history %v, want %v", rec.History, want)
		}
	}
}

func TestCoordinator_CrossSettles(t *testing.T) {
	gw := &scriptedGateway{plans: map[string]fillPlan{
		"a:BUY":  {price: d("100"), fee: d("0.1")},
		"b:SELL": {price: d("101.5"), fee: d("0.1015")},
	}}
	c, settler, cooldown := newTestCoordinator(gw, Config{Timeout: time.Second, PollInterval: 10 * time.Millisecond})

	opp := crossOpp()
	rec, err := c.ExecuteCross(context.Background(), opp)
	if err != nil {
		t.Fatal(err)
	}
	assertHistory(t, rec, domain.ExecAccepted, domain.ExecLegsPlaced, domain.ExecAllFilled, domain.ExecSettled)

	// Realized from fills: 101.5 - 100 - 0.1 - 0.1015
	if !rec.RealizedPnL.Equal(d("1.2985")) {
		t.Errorf("expected realized 1.2985, got %s", rec.RealizedPnL)
	}
	if len(settler.settlements) != 1 || !settler.settlements[0].Success {
		t.Fatalf("expected one successful settlement, got %+v", settler.settlements)
	}
	if !cooldown.Active(opp.Route(), time.Now()) {
		t.Error("route cooldown must be stamped at settlement")
	}
}

func TestCoordinator_PartialFailureRecordsFilledLeg(t *testing.T) {
	gw := &scriptedGateway{plans: map[string]fillPlan{
		"a:BUY":  {price: d("100"), fee: d("0.1")},
		"b:SELL": {err: errors.New("insufficient balance")},
	}}
	c, settler, _ := newTestCoordinator(gw, Config{Timeout: time.Second, PollInterval: 10 * time.Millisecond})

	rec, err := c.ExecuteCross(context.Background(), crossOpp())
	if err != nil {
		t.Fatal(err)
	}
	assertHistory(t, rec, domain.ExecAccepted, domain.ExecLegsPlaced, domain.ExecPartialFailure, domain.ExecUnwinding, domain.ExecUnwound)

	// Not zero and not the expected 1.25: only the buy fee is realized,
	// the bought coin is carried at cost.
	want := d("-0.1")
	if !rec.RealizedPnL.Equal(want) {
		t.Errorf("expected realized %s, got %s", want, rec.RealizedPnL)
	}
	s := settler.settlements[0]
	if s.Success || !s.RealizedPnL.Equal(want) {
		t.Errorf("settlement must carry the partial P&L, got %+v", s)
	}
}

func TestCoordinator_UnwindsFilledLeg(t *testing.T) {
	gw := &scriptedGateway{plans: map[string]fillPlan{
		"a:BUY":  {price: d("100"), fee: d("0.1")},
		"b:SELL": {err: errors.New("rejected")},
		"a:SELL": {price: d("99.5"), fee: d("0.0995")},
	}}
	c, _, _ := newTestCoordinator(gw, Config{Timeout: time.Second, PollInterval: 10 * time.Millisecond, Unwind: true})

	rec, err := c.ExecuteCross(context.Background(), crossOpp())
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != domain.ExecUnwound || len(rec.Legs) != 3 {
		t.Fatalf("expected unwound with 3 legs, got %s with %d", rec.State, len(rec.Legs))
	}
	unwind := rec.Legs[2]
	if unwind.Venue != "a" || unwind.Side != domain.SideSell || !unwind.Filled.Equal(d("1")) {
		t.Errorf("unexpected unwind leg %+v", unwind)
	}
	// (99.5 - 100) - 0.1 - 0.0995
	if !rec.RealizedPnL.Equal(d("-0.6995")) {
		t.Errorf("expected -0.6995, got %s", rec.RealizedPnL)
	}
}

func TestCoordinator_TimeoutCancels(t *testing.T) {
	gw := &scriptedGateway{plans: map[string]fillPlan{
		"a:BUY":  {price: d("100"), fee: d("0.1")},
		"b:SELL": {hang: true},
	}}
	c, settler, _ := newTestCoordinator(gw, Config{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	start := time.Now()
	rec, err := c.ExecuteCross(context.Background(), crossOpp())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("hard timeout not enforced")
	}
	assertHistory(t, rec, domain.ExecAccepted, domain.ExecLegsPlaced, domain.ExecTimeout, domain.ExecCancelling, domain.ExecCancelled)
	if len(gw.cancelled) != 1 || rec.Legs[1].Status != domain.OrderStatusCancelled {
		t.Errorf("outstanding leg not cancelled: %v / %s", gw.cancelled, rec.Legs[1].Status)
	}
	if !settler.settlements[0].RealizedPnL.Equal(d("-0.1")) {
		t.Errorf("filled leg must still be settled, got %s", settler.settlements[0].RealizedPnL)
	}
}

func TestCoordinator_RejectsInFlightRoute(t *testing.T) {
	c, _, _ := newTestCoordinator(&scriptedGateway{}, Config{})
	opp := crossOpp()
	c.acquire(opp.Route())

	if _, err := c.ExecuteCross(context.Background(), opp); !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
}

func TestCoordinator_TriangularSequential(t *testing.T) {
	now := time.Now()
	store := service.NewMarketStore(nil)
	for _, q := range []domain.Quote{
		{Symbol: "BTC/USDT", Venue: "a", Bid: d("49990"), Ask: d("50000"), BidSize: d("10"), AskSize: d("10"), ObservedAt: now},
		{Symbol: "ETH/BTC", Venue: "a", Bid: d("0.0499"), Ask: d("0.05"), BidSize: d("100"), AskSize: d("100"), ObservedAt: now},
		{Symbol: "ETH/USDT", Venue: "a", Bid: d("2510"), Ask: d("2511"), BidSize: d("100"), AskSize: d("100"), ObservedAt: now},
	} {
		if err := store.OnQuote(q); err != nil {
			t.Fatal(err)
		}
	}
	venues := domain.VenueSet{"a": {Name: "a", TakerFee: d("0.001"), Staleness: 5 * time.Second}}
	paper := NewPaperGateway(venues, store, PaperConfig{})
	paper.Deposit("a", "USDT", d("1000"))

	settler := &recordingSettler{}
	c := NewCoordinator(Config{Timeout: time.Second}, paper, venues, settler, nil, nil, nil)

	opp := domain.TriangularOpportunity{
		ID:         "tri-1",
		Venue:      "a",
		StartAsset: "USDT",
		Assets:     [4]string{"USDT", "BTC", "ETH", "USDT"},
		Legs: [3]domain.TriangularLeg{
			{Pair: "BTC/USDT", Side: domain.SideBuy, Price: d("50000")},
			{Pair: "ETH/BTC", Side: domain.SideBuy, Price: d("0.05")},
			{Pair: "ETH/USDT", Side: domain.SideSell, Price: d("2510")},
		},
		NetProfitPct: d("0.0991010996"),
		Notional:     d("100"),
	}

	rec, err := c.ExecuteTriangular(context.Background(), opp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != domain.ExecSettled {
		t.Fatalf("expected settled, got %s (%s)", rec.State, rec.Reason)
	}

	fills := paper.Fills()
	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	for i, want := range []string{"BTC/USDT", "ETH/BTC", "ETH/USDT"} {
		if fills[i].Symbol != want {
			t.Errorf("fill %d on %s, want %s", i, fills[i].Symbol, want)
		}
	}
	// Each leg spends what the previous one delivered.
	if !rec.Legs[1].Amount.Equal(d("0.03992007")) {
		t.Errorf("second leg not chained from the first fill: %s", rec.Legs[1].Amount)
	}
	if !rec.RealizedPnL.IsPositive() || rec.RealizedPnL.GreaterThan(d("0.1")) {
		t.Errorf("unexpected realized P&L %s", rec.RealizedPnL)
	}
	if len(settler.settlements) != 1 || settler.settlements[0].Kind != domain.KindTriangular {
		t.Errorf("unexpected settlements %+v", settler.settlements)
	}
}

func TestCoordinator_TriangularStopsOnFailure(t *testing.T) {
	gw := &scriptedGateway{plans: map[string]fillPlan{
		"a:BUY": {price: d("50000"), fee: d("0.1")},
	}}
	gw.plans["a:SELL"] = fillPlan{err: errors.New("halted")}
	c, _, _ := newTestCoordinator(gw, Config{Timeout: time.Second})

	opp := domain.TriangularOpportunity{
		Venue:      "a",
		StartAsset: "USDT",
		Assets:     [4]string{"USDT", "ETH", "BTC", "USDT"},
		Legs: [3]domain.TriangularLeg{
			{Pair: "ETH/USDT", Side: domain.SideBuy, Price: d("2511")},
			{Pair: "ETH/BTC", Side: domain.SideSell, Price: d("0.0499")},
			{Pair: "BTC/USDT", Side: domain.SideSell, Price: d("49990")},
		},
		Notional: d("100"),
	}
	rec, err := c.ExecuteTriangular(context.Background(), opp)
	if err != nil {
		t.Fatal(err)
	}
	if len(gw.placed) != 2 {
		t.Errorf("third leg must not be placed after the second failed, placed %v", gw.placed)
	}
	if rec.State != domain.ExecUnwound {
		t.Errorf("expected unwound, got %s", rec.State)
	}
}
