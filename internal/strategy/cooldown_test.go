package strategy

import (
	"testing"
	"time"

	"crypto_arb/internal/domain"
)

func TestCooldownTable(t *testing.T) {
	now := time.Now()
	c := NewCooldownTable(10 * time.Second)
	r1 := domain.RouteKey{Symbol: "BTC/USDT", BuyVenue: "a", SellVenue: "b"}
	r2 := domain.RouteKey{Symbol: "BTC/USDT", BuyVenue: "b", SellVenue: "a"}

	if c.Active(r1, now) {
		t.Error("unstamped route must not be active")
	}

	c.Stamp(r1, now)
	c.Stamp(r2, now.Add(5*time.Second))

	if !c.Active(r1, now.Add(9*time.Second)) {
		t.Error("r1 should still cool down")
	}
	if c.Active(r1, now.Add(10*time.Second)) {
		t.Error("r1 should be eligible at the window boundary")
	}

	c.Prune(now.Add(10 * time.Second))
	if c.Len() != 1 {
		t.Errorf("expected 1 route after prune, got %d", c.Len())
	}
	if !c.Active(r2, now.Add(10*time.Second)) {
		t.Error("r2 must survive the prune")
	}
}
