package infra

import (
	"testing"
	"time"
)

func TestLocalBook_SnapshotAndDelta(t *testing.T) {
	b := NewLocalBook("bybit", "BTC/USDT", 2)
	if b.Ready() {
		t.Fatal("new book must not be ready")
	}

	b.Reset(
		ParseLevels([][]string{{"100", "1"}, {"99", "2"}, {"98", "3"}}),
		ParseLevels([][]string{{"101", "1"}, {"102", "2"}}),
		10,
	)
	b.Apply(
		ParseLevels([][]string{{"100", "0"}, {"99.5", "4"}}),
		ParseLevels([][]string{{"100.5", "1"}}),
		11,
	)

	snap := b.Snapshot(time.Now())
	if err := snap.Validate(); err != nil {
		t.Fatalf("snapshot invalid: %v", err)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 2 {
		t.Fatalf("depth not applied: %d bids %d asks", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0].Price.String() != "99.5" || snap.Bids[1].Price.String() != "99" {
		t.Errorf("unexpected bids %v", snap.Bids)
	}
	if snap.Asks[0].Price.String() != "100.5" {
		t.Errorf("unexpected best ask %s", snap.Asks[0].Price)
	}
	if snap.Sequence != 11 {
		t.Errorf("expected sequence 11, got %d", snap.Sequence)
	}

	// A fresh snapshot discards earlier levels.
	b.Reset(ParseLevels([][]string{{"50", "1"}}), nil, 20)
	snap = b.Snapshot(time.Now())
	if len(snap.Bids) != 1 || len(snap.Asks) != 0 {
		t.Errorf("reset kept stale levels: %+v", snap)
	}
}

func TestParseLevels_SkipsMalformed(t *testing.T) {
	levels := ParseLevels([][]string{{"1", "2"}, {"x", "1"}, {"3"}, {"4", "5"}})
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
}
