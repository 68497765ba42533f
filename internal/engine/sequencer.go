package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/execution"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/risk"
	"crypto_arb/internal/strategy"
)

// RiskGate approves candidates and frees unused approvals.
type RiskGate interface {
	Check(ctx context.Context, c domain.Candidate) risk.Decision
	Release()
}

// Executor acts on approved opportunities.
type Executor interface {
	ExecuteCross(ctx context.Context, opp domain.CrossVenueOpportunity) (*domain.ExecutionRecord, error)
	ExecuteTriangular(ctx context.Context, opp domain.TriangularOpportunity) (*domain.ExecutionRecord, error)
}

// Config controls scan cadence.
type Config struct {
	Debounce           time.Duration // Coalesce window for changed symbols
	Interval           time.Duration // Full cross scan; 0 disables
	TriangularInterval time.Duration // 0 disables
	Monitor            bool          // Scan and report only
	InboxSize          int
	DumpPath           string // State dump written on panic
}

// ConfigFrom extracts the scan loop settings from the application config.
func ConfigFrom(cfg *infra.Config) Config {
	c := Config{
		Debounce: cfg.Scanner.Debounce.D(),
		Interval: cfg.Scanner.Interval.D(),
		Monitor:  cfg.App.Mode == infra.ModeMonitor,
		DumpPath: "panic_dump.json",
	}
	if cfg.Scanner.Triangular {
		c.TriangularInterval = cfg.Scanner.TriangularInterval.D()
	}
	return c
}

// Sequencer is the single goroutine that turns market changes into scans.
// Adapters report changed symbols through Notify; bursts are coalesced for
// Debounce before one cross scan runs over the dirty set. Approved
// opportunities are executed on their own goroutines so a slow venue never
// stalls scanning.
type Sequencer struct {
	cfg       Config
	inbox     chan string
	cross     strategy.Scanner
	cycles    strategy.CycleScanner
	gate      RiskGate
	exec      Executor
	publisher domain.OpportunityPublisher
	journal   *execution.JournalWriter
	metrics   *infra.Metrics
	cooldown  *strategy.CooldownTable
	symbols   []string
	logger    *slog.Logger
	now       func() time.Time

	dirty  map[string]struct{}
	execWG sync.WaitGroup

	mu         sync.RWMutex // Used only for external reads (e.g. dashboard)
	lastCross  []domain.CrossVenueOpportunity
	lastCycles []domain.TriangularOpportunity
	lastScanAt time.Time
}

// Deps groups the collaborators of the sequencer. Only Cross is required.
type Deps struct {
	Cross     strategy.Scanner
	Cycles    strategy.CycleScanner
	Gate      RiskGate
	Exec      Executor
	Publisher domain.OpportunityPublisher
	Journal   *execution.JournalWriter
	Metrics   *infra.Metrics
	Cooldown  *strategy.CooldownTable
	Symbols   []string // Universe for periodic full scans
}

// NewSequencer creates a sequencer.
func NewSequencer(cfg Config, deps Deps) *Sequencer {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4096
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	if deps.Exec == nil {
		cfg.Monitor = true
	}
	return &Sequencer{
		cfg:       cfg,
		inbox:     make(chan string, cfg.InboxSize),
		cross:     deps.Cross,
		cycles:    deps.Cycles,
		gate:      deps.Gate,
		exec:      deps.Exec,
		publisher: deps.Publisher,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		cooldown:  deps.Cooldown,
		symbols:   deps.Symbols,
		logger:    slog.Default().With(slog.String("module", "sequencer")),
		now:       time.Now,
		dirty:     make(map[string]struct{}),
	}
}

// Notify marks symbol as changed. It never blocks: when the inbox is full the
// update is dropped and the next full scan picks the symbol up.
func (s *Sequencer) Notify(symbol string) {
	select {
	case s.inbox <- symbol:
	default:
	}
}

// Run is the main loop. This MUST be run in a single goroutine. A panic in
// scanning dumps state and is returned as an error to the supervisor.
func (s *Sequencer) Run(ctx context.Context) (err error) {
	s.logger.Info("Sequencer started",
		slog.Duration("debounce", s.cfg.Debounce),
		slog.Bool("monitor", s.cfg.Monitor))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.cfg.DumpPath)
			err = fmt.Errorf("sequencer halted: %v", r)
		}
		s.execWG.Wait()
	}()

	debounce := time.NewTimer(s.cfg.Debounce)
	debounce.Stop()
	armed := false

	full := tickerOrNil(s.cfg.Interval)
	defer stopTicker(full)
	tri := tickerOrNil(s.cfg.TriangularInterval)
	defer stopTicker(tri)

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			s.logger.Info("Sequencer stopping...")
			return nil

		case symbol := <-s.inbox:
			s.dirty[symbol] = struct{}{}
			if !armed {
				debounce.Reset(s.cfg.Debounce)
				armed = true
			}

		case <-debounce.C:
			armed = false
			symbols := make([]string, 0, len(s.dirty))
			for sym := range s.dirty {
				symbols = append(symbols, sym)
			}
			clear(s.dirty)
			sort.Strings(symbols)
			s.scanCross(ctx, symbols)

		case <-tickC(full):
			s.scanCross(ctx, s.symbols)
			if s.cooldown != nil {
				s.cooldown.Prune(s.now())
			}

		case <-tickC(tri):
			s.scanCycles(ctx)
		}
	}
}

func tickerOrNil(d time.Duration) *time.Ticker {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d)
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

// tickC returns a nil channel for a disabled ticker, which never fires.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// ScanNow runs one cross scan over symbols synchronously.
func (s *Sequencer) ScanNow(ctx context.Context, symbols []string) []domain.CrossVenueOpportunity {
	return s.scanCross(ctx, symbols)
}

func (s *Sequencer) scanCross(ctx context.Context, symbols []string) []domain.CrossVenueOpportunity {
	if len(symbols) == 0 {
		return nil
	}
	start := time.Now()
	opps := s.cross.Scan(symbols, s.now())
	s.recordScan(time.Since(start), len(opps))

	s.mu.Lock()
	s.lastCross = opps
	s.lastScanAt = s.now()
	s.mu.Unlock()

	for _, opp := range opps {
		s.handleCross(ctx, opp)
	}
	return opps
}

func (s *Sequencer) scanCycles(ctx context.Context) {
	if s.cycles == nil {
		return
	}
	start := time.Now()
	opps := s.cycles.ScanCycles(s.now())
	s.recordScan(time.Since(start), len(opps))

	s.mu.Lock()
	s.lastCycles = opps
	s.mu.Unlock()

	for _, opp := range opps {
		s.handleCycle(ctx, opp)
	}
}

func (s *Sequencer) recordScan(d time.Duration, found int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordScan(d)
	s.metrics.RecordOpportunities(found)
}

func (s *Sequencer) handleCross(ctx context.Context, opp domain.CrossVenueOpportunity) {
	s.logger.Info("Cross-venue opportunity",
		slog.String("id", opp.ID),
		slog.String("route", opp.Route().String()),
		slog.String("net_pct", opp.NetProfitPct.StringFixed(4)),
		slog.String("expected_profit", opp.ExpectedProfit.StringFixed(4)))
	if s.publisher != nil {
		s.publish(ctx, func(pctx context.Context) error { return s.publisher.PublishCross(pctx, opp) })
	}

	rec := domain.OpportunityRecord{
		ID:           opp.ID,
		Kind:         domain.KindCross,
		Symbol:       opp.Symbol,
		Venues:       []string{opp.BuyVenue, opp.SellVenue},
		NetProfitPct: opp.NetProfitPct,
		Notional:     opp.Notional,
		DiscoveredAt: opp.DiscoveredAt,
	}
	if !s.approve(ctx, opp.Candidate(), &rec) {
		return
	}

	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		defer s.recoverExec(opp.ID)
		if _, err := s.exec.ExecuteCross(ctx, opp); err != nil {
			s.executionError(opp.ID, err)
		}
	}()
}

func (s *Sequencer) handleCycle(ctx context.Context, opp domain.TriangularOpportunity) {
	s.logger.Info("Triangular opportunity",
		slog.String("id", opp.ID),
		slog.String("venue", opp.Venue),
		slog.String("path", opp.Path()),
		slog.String("net_pct", opp.NetProfitPct.StringFixed(4)))
	if s.publisher != nil {
		s.publish(ctx, func(pctx context.Context) error { return s.publisher.PublishTriangular(pctx, opp) })
	}

	rec := domain.OpportunityRecord{
		ID:           opp.ID,
		Kind:         domain.KindTriangular,
		Symbol:       opp.Path(),
		Venues:       []string{opp.Venue},
		NetProfitPct: opp.NetProfitPct,
		Notional:     opp.Notional,
		DiscoveredAt: opp.DiscoveredAt,
	}
	if !s.approve(ctx, opp.Candidate(), &rec) {
		return
	}

	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		defer s.recoverExec(opp.ID)
		if _, err := s.exec.ExecuteTriangular(ctx, opp); err != nil {
			s.executionError(opp.ID, err)
		}
	}()
}

// approve runs the risk gate and journals the decision. Monitor mode records
// the opportunity without consulting the gate.
func (s *Sequencer) approve(ctx context.Context, c domain.Candidate, rec *domain.OpportunityRecord) bool {
	if s.cfg.Monitor {
		rec.Decision = "monitor"
		s.journal.Opportunity(*rec)
		return false
	}
	if s.gate != nil {
		dec := s.gate.Check(ctx, c)
		if !dec.Approved {
			if s.metrics != nil {
				s.metrics.RecordRejection()
			}
			rec.Decision = "rejected:" + dec.Check
			s.journal.Opportunity(*rec)
			s.logger.Debug("Opportunity rejected", slog.String("id", rec.ID), slog.String("check", dec.Check), slog.String("reason", dec.Reason))
			return false
		}
	}
	rec.Decision = "executed"
	s.journal.Opportunity(*rec)
	return true
}

func (s *Sequencer) executionError(id string, err error) {
	if errors.Is(err, execution.ErrInFlight) {
		if s.gate != nil {
			s.gate.Release()
		}
		s.logger.Debug("Route already executing", slog.String("id", id))
		return
	}
	s.logger.Error("Execution failed", slog.String("id", id), slog.Any("error", err))
}

func (s *Sequencer) recoverExec(id string) {
	if r := recover(); r != nil {
		s.logger.Error("CRITICAL_PANIC_DETECTED", slog.String("id", id), slog.Any("panic", r))
	}
}

func (s *Sequencer) publish(ctx context.Context, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := fn(pctx); err != nil {
		s.logger.Warn("Opportunity publish failed", slog.Any("error", err))
	}
}

// LastCross returns the opportunities of the latest cross scan (external read).
func (s *Sequencer) LastCross() []domain.CrossVenueOpportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CrossVenueOpportunity, len(s.lastCross))
	copy(out, s.lastCross)
	return out
}

// LastCycles returns the opportunities of the latest triangular scan.
func (s *Sequencer) LastCycles() []domain.TriangularOpportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TriangularOpportunity, len(s.lastCycles))
	copy(out, s.lastCycles)
	return out
}

// DumpState writes the sequencer state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	if filename == "" {
		return
	}
	slog.Info("Dumping internal state...", slog.String("file", filename))

	s.mu.RLock()
	dirty := make([]string, 0, len(s.dirty))
	for sym := range s.dirty {
		dirty = append(dirty, sym)
	}
	sort.Strings(dirty)
	data := struct {
		LastScanAt time.Time                      `json:"last_scan_at"`
		Dirty      []string                       `json:"dirty"`
		LastCross  []domain.CrossVenueOpportunity `json:"last_cross"`
		LastCycles []domain.TriangularOpportunity `json:"last_cycles"`
		Metrics    *infra.MetricsSnapshot         `json:"metrics,omitempty"`
	}{
		LastScanAt: s.lastScanAt,
		Dirty:      dirty,
		LastCross:  s.lastCross,
		LastCycles: s.lastCycles,
	}
	s.mu.RUnlock()
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		data.Metrics = &snap
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
