package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/execution"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/risk"

	"github.com/shopspring/decimal"
)

type fakeScanner struct {
	mu    sync.Mutex
	calls [][]string
	opps  []domain.CrossVenueOpportunity
	panic bool
}

func (f *fakeScanner) Scan(symbols []string, _ time.Time) []domain.CrossVenueOpportunity {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	f.mu.Unlock()
	return f.opps
}

func (f *fakeScanner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakeGate struct {
	mu       sync.Mutex
	approve  bool
	checks   int
	releases int
}

func (g *fakeGate) Check(context.Context, domain.Candidate) risk.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.approve {
		return risk.Decision{Approved: true}
	}
	return risk.Decision{Check: risk.CheckMinProfit, Reason: "too small"}
}

func (g *fakeGate) Release() {
	g.mu.Lock()
	g.releases++
	g.mu.Unlock()
}

type fakeExec struct {
	mu    sync.Mutex
	cross int
	err   error
}

func (e *fakeExec) ExecuteCross(context.Context, domain.CrossVenueOpportunity) (*domain.ExecutionRecord, error) {
	e.mu.Lock()
	e.cross++
	e.mu.Unlock()
	return &domain.ExecutionRecord{}, e.err
}

func (e *fakeExec) ExecuteTriangular(context.Context, domain.TriangularOpportunity) (*domain.ExecutionRecord, error) {
	return &domain.ExecutionRecord{}, e.err
}

func opp() domain.CrossVenueOpportunity {
	return domain.CrossVenueOpportunity{
		ID: "o1", Symbol: "BTC/USDT", BuyVenue: "a", SellVenue: "b",
		NetProfitPct: decimal.RequireFromString("0.5"),
	}
}

func TestSequencer_CoalescesBursts(t *testing.T) {
	scanner := &fakeScanner{}
	seq := NewSequencer(Config{Debounce: 30 * time.Millisecond, Monitor: true}, Deps{Cross: scanner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	for i := 0; i < 100; i++ {
		seq.Notify("BTC/USDT")
		seq.Notify("ETH/USDT")
	}
	time.Sleep(150 * time.Millisecond)

	calls := scanner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one coalesced scan, got %d: %v", len(calls), calls)
	}
	if len(calls[0]) != 2 || calls[0][0] != "BTC/USDT" || calls[0][1] != "ETH/USDT" {
		t.Errorf("unexpected dirty set %v", calls[0])
	}
}

func TestSequencer_RejectionIsCounted(t *testing.T) {
	metrics := infra.NewMetrics()
	gate := &fakeGate{}
	exec := &fakeExec{}
	seq := NewSequencer(Config{}, Deps{
		Cross:   &fakeScanner{opps: []domain.CrossVenueOpportunity{opp()}},
		Gate:    gate,
		Exec:    exec,
		Metrics: metrics,
	})

	seq.ScanNow(context.Background(), []string{"BTC/USDT"})

	snap := metrics.Snapshot()
	if snap.RiskRejections != 1 || snap.ScansPerformed != 1 || snap.OpportunitiesFound != 1 {
		t.Errorf("unexpected counters %+v", snap)
	}
	if exec.cross != 0 {
		t.Error("rejected opportunity must not execute")
	}
}

func TestSequencer_ApprovedExecutes(t *testing.T) {
	gate := &fakeGate{approve: true}
	exec := &fakeExec{err: execution.ErrInFlight}
	seq := NewSequencer(Config{}, Deps{
		Cross: &fakeScanner{opps: []domain.CrossVenueOpportunity{opp()}},
		Gate:  gate,
		Exec:  exec,
	})

	seq.ScanNow(context.Background(), []string{"BTC/USDT"})
	seq.execWG.Wait()

	if exec.cross != 1 {
		t.Fatalf("expected one execution, got %d", exec.cross)
	}
	if gate.releases != 1 {
		t.Error("an in-flight route must release its risk reservation")
	}
	if got := seq.LastCross(); len(got) != 1 {
		t.Errorf("expected last scan to be kept, got %d", len(got))
	}
}

func TestSequencer_MonitorSkipsGate(t *testing.T) {
	gate := &fakeGate{approve: true}
	seq := NewSequencer(Config{Monitor: true}, Deps{
		Cross: &fakeScanner{opps: []domain.CrossVenueOpportunity{opp()}},
		Gate:  gate,
		Exec:  &fakeExec{},
	})
	seq.ScanNow(context.Background(), []string{"BTC/USDT"})
	if gate.checks != 0 {
		t.Error("monitor mode must not consult the risk gate")
	}
}

func TestSequencer_PanicDumpsState(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "dump.json")
	seq := NewSequencer(Config{Debounce: time.Millisecond, DumpPath: dump}, Deps{Cross: &fakeScanner{panic: true}})

	seq.Notify("BTC/USDT")
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("panic must surface as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sequencer did not halt")
	}
	if _, err := os.Stat(dump); err != nil {
		t.Errorf("state dump missing: %v", err)
	}
}
