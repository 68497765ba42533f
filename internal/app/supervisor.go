package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/engine"
	"crypto_arb/internal/execution"
	"crypto_arb/internal/infra"
	redisx "crypto_arb/internal/infra/redis"
	"crypto_arb/internal/risk"
	"crypto_arb/internal/service"
	"crypto_arb/internal/strategy"

	"golang.org/x/sync/errgroup"
)

const statusInterval = time.Minute

// Supervisor owns every long-running component and runs them under one
// errgroup: the first component to fail cancels the rest.
type Supervisor struct {
	cfg       *infra.Config
	metrics   *infra.Metrics
	store     *service.MarketStore
	adapters  []domain.Adapter
	sequencer *engine.Sequencer
	gate      *risk.Gate
	journal   *execution.JournalWriter
	mirror    *redisx.QuoteMirror         // nil without redis
	cycles    *strategy.TriangularScanner // nil unless triangular scanning is on
	logger    *slog.Logger
}

// connectionReporter is implemented by streaming adapters.
type connectionReporter interface {
	IsConnected() bool
}

// NewSupervisor builds the component graph from a bootstrapped environment.
func NewSupervisor(ctx context.Context, b *Bootstrap, metrics *infra.Metrics) (*Supervisor, error) {
	cfg := b.Config
	s := &Supervisor{
		cfg:     cfg,
		metrics: metrics,
		store:   service.NewMarketStore(metrics),
		logger:  slog.Default().With(slog.String("module", "supervisor")),
	}

	var sink domain.MarketSink = s.store
	var publisher domain.OpportunityPublisher
	if b.Redis != nil {
		s.mirror = redisx.NewQuoteMirror(b.Redis, s.store)
		sink = s.mirror
		publisher = redisx.NewOpportunityBus(b.Redis, cfg.Redis.Channel)
	}

	adapters, err := BuildAdapters(cfg, sink, metrics)
	if err != nil {
		return nil, err
	}
	s.adapters = adapters

	venues := cfg.VenueSet()
	cooldown := strategy.NewCooldownTable(cfg.Scanner.RouteCooldown.D())

	cross := strategy.NewCrossScanner(strategy.CrossConfig{
		Mode:             cfg.Scanner.Mode,
		MaxCandidates:    cfg.Scanner.MaxCandidates,
		MinProfitPct:     cfg.Scanner.MinProfitPct,
		SlippagePct:      cfg.Scanner.SlippagePct,
		PositionNotional: cfg.Scanner.PositionNotional,
		UseMakerFees:     cfg.Scanner.UseMakerFees,
		VolatilityWeight: cfg.Scanner.VolatilityWeight,
	}, venues, s.store, strategy.NewLiquidityAnalyzer(strategy.LiquidityConfig{
		MinFillRatio:      cfg.Liquidity.MinFillRatio,
		MaxPriceImpactPct: cfg.Liquidity.MaxPriceImpactPct,
		MinLiquidity:      cfg.Liquidity.MinLiquidity,
		MaxLevels:         cfg.Liquidity.MaxLevels,
	}), cooldown, strategy.NewVolatilityTracker(cfg.Scanner.VolatilityWindow.D()))

	gw, balances, err := execution.NewGateway(cfg, s.store)
	if err != nil {
		return nil, err
	}

	s.gate = risk.NewGate(risk.ConfigFrom(cfg), metrics, balances, cfg.EnabledVenues())
	s.restoreRisk(ctx, b.Journal)

	var journal domain.Journal
	if b.Journal != nil {
		journal = b.Journal
	}
	s.journal = execution.NewJournalWriter(journal, 1024)

	deps := engine.Deps{
		Cross:     cross,
		Gate:      s.gate,
		Publisher: publisher,
		Journal:   s.journal,
		Metrics:   metrics,
		Cooldown:  cooldown,
		Symbols:   universe(cfg),
	}
	if cfg.Scanner.Triangular {
		s.cycles = strategy.NewTriangularScanner(strategy.TriangularConfig{
			MinProfitPct:     cfg.Scanner.TriangularMinPct,
			SlippagePerLeg:   cfg.Scanner.TriangularSlipPct,
			PositionNotional: cfg.Scanner.PositionNotional,
			UseMakerFees:     cfg.Scanner.UseMakerFees,
		}, venues, venueSymbols(cfg), s.store, cooldown)
		deps.Cycles = s.cycles
	}
	if gw != nil {
		deps.Exec = execution.NewCoordinator(execution.ConfigFrom(cfg), gw, venues, s.gate, cooldown, s.journal, metrics)
	}

	s.sequencer = engine.NewSequencer(engine.ConfigFrom(cfg), deps)
	s.store.Subscribe(s.sequencer.Notify)
	return s, nil
}

// restoreRisk seeds today's realized P&L from the journal.
func (s *Supervisor) restoreRisk(ctx context.Context, j JournalStore) {
	if j == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pnl, err := j.RealizedPnLSince(qctx, s.gate.DayStart())
	if err != nil {
		s.logger.Warn("Could not restore daily P&L, starting from zero", slog.Any("error", err))
		return
	}
	if !pnl.IsZero() {
		s.gate.RestoreDailyPnL(pnl)
		s.logger.Info("Daily P&L restored from journal", slog.String("pnl", pnl.String()))
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, a := range s.adapters {
		g.Go(func() error {
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("%s adapter: %w", a.Venue(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return s.sequencer.Run(ctx) })
	g.Go(func() error { return s.journal.Run(ctx) })
	if s.mirror != nil {
		g.Go(func() error { return s.mirror.Run(ctx) })
	}
	g.Go(func() error {
		s.reportStatus(ctx)
		return nil
	})

	s.logger.Info("✨ All components started",
		slog.Int("adapters", len(s.adapters)),
		slog.String("mode", s.cfg.App.Mode))
	return g.Wait()
}

// Status is the snapshot-on-demand view served to dashboards.
type Status struct {
	Mode       string                         `json:"mode"`
	Metrics    infra.MetricsSnapshot          `json:"metrics"`
	Risk       domain.RiskSnapshot            `json:"risk"`
	LastCross  []domain.CrossVenueOpportunity `json:"last_cross"`
	LastCycles []domain.TriangularOpportunity `json:"last_cycles"`
	Venues     []VenueStatus                  `json:"venues"`
}

// VenueStatus describes one adapter: whether its stream is up, which symbols
// it has delivered so far and how many triangular cycles it can serve.
type VenueStatus struct {
	Name      string   `json:"name"`
	Streaming bool     `json:"streaming"`
	Connected bool     `json:"connected"` // Polling venues report true
	Symbols   []string `json:"symbols"`
	Cycles    int      `json:"cycles"`
}

// Status collects the current counters, risk state and last scan results.
func (s *Supervisor) Status() Status {
	return Status{
		Mode:       s.cfg.App.Mode,
		Metrics:    s.metrics.Snapshot(),
		Risk:       s.gate.Snapshot(),
		LastCross:  s.sequencer.LastCross(),
		LastCycles: s.sequencer.LastCycles(),
		Venues:     s.venueStatus(),
	}
}

func (s *Supervisor) venueStatus() []VenueStatus {
	out := make([]VenueStatus, 0, len(s.adapters))
	for _, a := range s.adapters {
		vs := VenueStatus{
			Name:      a.Venue(),
			Connected: true,
			Symbols:   s.store.VenueSymbols(a.Venue()),
		}
		if cr, ok := a.(connectionReporter); ok {
			vs.Streaming = true
			vs.Connected = cr.IsConnected()
		}
		if s.cycles != nil {
			vs.Cycles = len(s.cycles.Paths(a.Venue()))
		}
		out = append(out, vs)
	}
	return out
}

// StatusHandler serves Status as JSON.
func (s *Supervisor) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.logger.Warn("Status encode failed", slog.Any("error", err))
		}
	})
}

func (s *Supervisor) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.metrics.Snapshot()
			r := s.gate.Snapshot()
			s.logger.Info("📊 Status",
				slog.Uint64("scans", m.ScansPerformed),
				slog.Uint64("opportunities", m.OpportunitiesFound),
				slog.Uint64("trades_ok", m.TradesExecuted),
				slog.Uint64("trades_failed", m.TradesFailed),
				slog.Uint64("risk_rejections", m.RiskRejections),
				slog.String("daily_pnl", r.DailyPnL.String()),
				slog.Int("open_positions", r.OpenPositions),
				slog.Any("unhealthy_venues", s.gate.UnhealthyVenues()))
		}
	}
}

// universe is the union of configured symbols across enabled venues.
func universe(cfg *infra.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range cfg.EnabledVenues() {
		for _, sym := range cfg.Venues[name].Symbols {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

func venueSymbols(cfg *infra.Config) map[string][]string {
	out := make(map[string][]string)
	for _, name := range cfg.EnabledVenues() {
		out[name] = cfg.Venues[name].Symbols
	}
	return out
}
