package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/infra/storage"

	"github.com/shopspring/decimal"
)

func TestRegistry_AllVenues(t *testing.T) {
	want := []string{"binance", "bitget", "bybit", "gate", "huobi", "kraken", "kucoin", "mexc", "okx"}
	got := RegisteredVenues()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("venue %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	f, _ := Lookup("binance")
	Register("binance", f)
}

func testConfig(t *testing.T, venues ...string) *infra.Config {
	cfg := infra.DefaultConfig()
	cfg.App.Mode = infra.ModePaper
	cfg.Logging.Dir = t.TempDir()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "arb.db")
	cfg.Scanner.Triangular = true
	cfg.Venues = make(map[string]infra.VenueConfig)
	for _, name := range venues {
		cfg.Venues[name] = infra.VenueConfig{
			Enabled:  true,
			WSURL:    "ws://127.0.0.1:1", // Nothing listens; adapters keep retrying
			RestURL:  "http://127.0.0.1:1",
			Symbols:  []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"},
			TakerFee: decimal.RequireFromString("0.001"),
		}
	}
	return cfg
}

func TestBuildAdapters_UnknownVenue(t *testing.T) {
	cfg := testConfig(t, "binance", "nowhere")
	_, err := BuildAdapters(cfg, nil, infra.NewMetrics())
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "venues.nowhere" {
		t.Fatalf("expected config error for venues.nowhere, got %v", err)
	}
}

func TestSupervisor_RestoresDailyPnLAndStops(t *testing.T) {
	cfg := testConfig(t, "binance", "okx")

	journal, err := storage.NewJournal(cfg.Storage.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	now := time.Now().UTC()
	err = journal.RecordExecution(context.Background(), domain.ExecutionRecord{
		ID:          "earlier",
		Kind:        domain.KindCross,
		State:       domain.ExecUnwound,
		RealizedPnL: decimal.RequireFromString("-4.5"),
		StartedAt:   now,
		FinishedAt:  now,
	})
	if err != nil {
		t.Fatal(err)
	}

	b := &Bootstrap{Config: cfg, Journal: journal}
	s, err := NewSupervisor(context.Background(), b, infra.NewMetrics())
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	if len(s.adapters) != 2 {
		t.Errorf("expected 2 adapters, got %d", len(s.adapters))
	}
	// The record may fall on the previous UTC day when the test runs at midnight.
	if snap := s.gate.Snapshot(); !snap.DailyPnL.Equal(decimal.RequireFromString("-4.5")) && !snap.DayStart.After(now) {
		t.Errorf("expected restored daily P&L -4.5, got %s", snap.DailyPnL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_StatusHandler(t *testing.T) {
	cfg := testConfig(t, "binance")
	s, err := NewSupervisor(context.Background(), &Bootstrap{Config: cfg}, infra.NewMetrics())
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["mode"] != infra.ModePaper {
		t.Errorf("expected mode %q, got %v", infra.ModePaper, got["mode"])
	}
	for _, key := range []string{"metrics", "risk", "venues"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing %q in status", key)
		}
	}

	venues := s.Status().Venues
	if len(venues) != 1 {
		t.Fatalf("expected 1 venue status, got %d", len(venues))
	}
	vs := venues[0]
	if vs.Name != "binance" || !vs.Streaming || vs.Connected {
		t.Errorf("expected binance streaming and not yet connected, got %+v", vs)
	}
	if vs.Cycles == 0 {
		t.Error("BTC/USDT, ETH/USDT, ETH/BTC should yield triangular cycles")
	}
	if len(vs.Symbols) != 0 {
		t.Errorf("no quotes delivered yet, got %v", vs.Symbols)
	}
}
