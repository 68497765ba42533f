package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrInFlight is returned when the route of an opportunity is already being
// executed. The caller should release any risk reservation it holds.
var ErrInFlight = errors.New("route already executing")

const amountPlaces = 8

// Config controls execution timing.
type Config struct {
	Timeout       time.Duration // Hard limit per opportunity
	PollInterval  time.Duration
	CancelTimeout time.Duration
	Unwind        bool // Flatten filled exposure after a partial failure
	UseMakerFees  bool
}

// ConfigFrom extracts the execution section of the application config.
func ConfigFrom(cfg *infra.Config) Config {
	e := cfg.Execution
	return Config{
		Timeout:       e.Timeout.D(),
		PollInterval:  e.PollInterval.D(),
		CancelTimeout: e.CancelTimeout.D(),
		Unwind:        e.Unwind,
		UseMakerFees:  cfg.Scanner.UseMakerFees,
	}
}

// Settler receives the outcome of every execution. Implemented by the risk
// gate.
type Settler interface {
	Settle(s domain.Settlement)
}

// Coordinator executes approved opportunities and reconciles their legs.
type Coordinator struct {
	cfg      Config
	gw       OrderGateway
	venues   domain.VenueSet
	settler  Settler
	cooldown *strategy.CooldownTable
	journal  *JournalWriter
	metrics  *infra.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[domain.RouteKey]struct{}
}

// NewCoordinator creates a coordinator. settler, cooldown, journal and
// metrics may be nil.
func NewCoordinator(cfg Config, gw OrderGateway, venues domain.VenueSet, settler Settler, cooldown *strategy.CooldownTable, journal *JournalWriter, metrics *infra.Metrics) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		gw:       gw,
		venues:   venues,
		settler:  settler,
		cooldown: cooldown,
		journal:  journal,
		metrics:  metrics,
		logger:   slog.Default().With(slog.String("module", "coordinator")),
		now:      time.Now,
		inflight: make(map[domain.RouteKey]struct{}),
	}
}

func (c *Coordinator) acquire(route domain.RouteKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[route]; busy {
		return false
	}
	c.inflight[route] = struct{}{}
	return true
}

func (c *Coordinator) release(route domain.RouteKey) {
	c.mu.Lock()
	delete(c.inflight, route)
	c.mu.Unlock()
}

// run is the mutable state of one execution.
type run struct {
	c     *Coordinator
	rec   *domain.ExecutionRecord
	route domain.RouteKey
	start string // Asset P&L is measured in
	legs  []*domain.Leg
	notes []string
}

func (c *Coordinator) newRun(id string, kind domain.OpportunityKind, symbol string, venues []string, expected decimal.Decimal, route domain.RouteKey, start string) *run {
	rec := &domain.ExecutionRecord{
		ID:             uuid.NewString(),
		OpportunityID:  id,
		Kind:           kind,
		Symbol:         symbol,
		Venues:         venues,
		State:          domain.ExecAccepted,
		History:        []domain.ExecutionState{domain.ExecAccepted},
		ExpectedProfit: expected,
		StartedAt:      c.now(),
	}
	return &run{c: c, rec: rec, route: route, start: start}
}

func (r *run) transition(to domain.ExecutionState, note string) {
	from := r.rec.State
	r.rec.State = to
	r.rec.History = append(r.rec.History, to)
	if note != "" {
		r.notes = append(r.notes, note)
	}
	r.c.journal.Transition(domain.StateTransition{
		ExecutionID: r.rec.ID,
		From:        from,
		To:          to,
		At:          r.c.now(),
		Note:        note,
	})
	r.c.logger.Info("Execution state changed",
		slog.String("execution_id", r.rec.ID),
		slog.String("route", r.route.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("note", note))
}

func (c *Coordinator) newLeg(venue, symbol string, side domain.Side, amount, price decimal.Decimal) *domain.Leg {
	return domain.NewLeg(uuid.NewString(), venue, symbol, side, domain.OrderTypeMarket, amount.Truncate(amountPlaces), price)
}

// ExecuteCross places both legs concurrently under the hard timeout and
// reconciles the result.
func (c *Coordinator) ExecuteCross(ctx context.Context, opp domain.CrossVenueOpportunity) (*domain.ExecutionRecord, error) {
	route := opp.Route()
	if !c.acquire(route) {
		return nil, ErrInFlight
	}
	defer c.release(route)

	_, quote, _ := domain.SplitSymbol(opp.Symbol)
	r := c.newRun(opp.ID, domain.KindCross, opp.Symbol, []string{opp.BuyVenue, opp.SellVenue}, opp.ExpectedProfit, route, quote)

	amount := opp.BaseAmount()
	r.legs = []*domain.Leg{
		c.newLeg(opp.BuyVenue, opp.Symbol, domain.SideBuy, amount, opp.BuyPrice),
		c.newLeg(opp.SellVenue, opp.Symbol, domain.SideSell, amount, opp.SellPrice),
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Place both, then wait for both. Failures stay on the legs; the groups
	// never cancel a sibling.
	var place errgroup.Group
	for _, leg := range r.legs {
		place.Go(func() error { return c.place(tctx, leg) })
	}
	_ = place.Wait()
	r.transition(domain.ExecLegsPlaced, "")

	var wait errgroup.Group
	for _, leg := range r.legs {
		wait.Go(func() error { return c.waitFill(tctx, leg) })
	}
	_ = wait.Wait()

	return c.finish(tctx, r), nil
}

// ExecuteTriangular places the legs one after another, each sized from what
// the previous leg actually delivered.
func (c *Coordinator) ExecuteTriangular(ctx context.Context, opp domain.TriangularOpportunity) (*domain.ExecutionRecord, error) {
	route := opp.Route()
	if !c.acquire(route) {
		return nil, ErrInFlight
	}
	defer c.release(route)

	r := c.newRun(opp.ID, domain.KindTriangular, opp.Path(), []string{opp.Venue}, opp.Notional.Mul(opp.NetProfitPct).Div(decimal.NewFromInt(100)), route, opp.StartAsset)
	venue, _ := c.venues.Get(opp.Venue)
	fee := venue.Fee(c.cfg.UseMakerFees)

	tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	holding := opp.Notional
	for i, tl := range opp.Legs {
		if tctx.Err() != nil {
			break
		}
		leg := c.newLeg(opp.Venue, tl.Pair, tl.Side, legAmount(tl.Side, holding, tl.Price, fee), tl.Price)
		r.legs = append(r.legs, leg)

		err := c.place(tctx, leg)
		if i == 0 {
			r.transition(domain.ExecLegsPlaced, "")
		}
		if err != nil {
			break
		}
		if c.waitFill(tctx, leg) != nil || leg.Status != domain.OrderStatusFilled {
			break
		}
		holding = legOutput(leg)
	}
	return c.finish(tctx, r), nil
}

// legAmount converts holding into a base quantity for the next leg. Buys
// reserve room for a quote-denominated fee.
func legAmount(side domain.Side, holding, price, fee decimal.Decimal) decimal.Decimal {
	if side == domain.SideBuy {
		return holding.Div(price.Mul(decimal.NewFromInt(1).Add(fee)))
	}
	return holding
}

// legOutput is what a filled leg delivered: base for a buy, quote net of fee
// for a sell.
func legOutput(leg *domain.Leg) decimal.Decimal {
	if leg.Side == domain.SideBuy {
		return leg.Filled
	}
	return leg.FilledNotional().Sub(leg.Fee)
}

func (c *Coordinator) place(ctx context.Context, leg *domain.Leg) error {
	if c.gw == nil {
		err := errors.New("no order gateway")
		leg.Fail(err)
		return err
	}
	if err := c.gw.PlaceOrder(ctx, leg); err != nil {
		execErr := &domain.ExecutionError{LegID: leg.ID, Stage: "place", Err: err}
		leg.Fail(execErr)
		c.logger.Warn("Leg placement failed",
			slog.String("leg_id", leg.ID),
			slog.String("venue", leg.Venue),
			slog.String("symbol", leg.Symbol),
			slog.Any("error", err))
		return execErr
	}
	return nil
}

// waitFill polls the leg until it is terminal or ctx ends.
func (c *Coordinator) waitFill(ctx context.Context, leg *domain.Leg) error {
	if leg.Status.IsTerminal() {
		return nil
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.gw.QueryOrder(ctx, leg); err != nil {
				c.logger.Debug("Order query failed", slog.String("leg_id", leg.ID), slog.Any("error", err))
				continue
			}
			if leg.Status.IsTerminal() {
				return nil
			}
		}
	}
}

// finish drives the execution to a terminal state, settles P&L with the risk
// gate and stamps the route cooldown.
func (c *Coordinator) finish(ctx context.Context, r *run) *domain.ExecutionRecord {
	allFilled, anyFailed := true, false
	var failures []string
	for _, l := range r.legs {
		if l.Status != domain.OrderStatusFilled {
			allFilled = false
		}
		if l.Status == domain.OrderStatusFailed || l.Status == domain.OrderStatusCancelled {
			anyFailed = true
			if l.Error != "" {
				failures = append(failures, l.Error)
			}
		}
	}
	// A triangular run that stopped early has fewer than 3 legs.
	if r.rec.Kind == domain.KindTriangular && len(r.legs) < 3 {
		allFilled = false
		if ctx.Err() == nil {
			anyFailed = true
		}
	}

	switch {
	case allFilled:
		r.transition(domain.ExecAllFilled, "")
		r.transition(domain.ExecSettled, "")

	case anyFailed:
		r.transition(domain.ExecPartialFailure, strings.Join(failures, "; "))
		c.cancelOutstanding(r)
		r.transition(domain.ExecUnwinding, "")
		note := ""
		if c.cfg.Unwind {
			if err := c.unwind(r); err != nil {
				note = "unwind incomplete: " + err.Error()
			}
		} else {
			note = "unwind disabled"
		}
		r.transition(domain.ExecUnwound, note)

	default:
		r.transition(domain.ExecTimeout, fmt.Sprintf("not filled within %s", c.cfg.Timeout))
		r.transition(domain.ExecCancelling, "")
		c.cancelOutstanding(r)
		r.transition(domain.ExecCancelled, "")
	}

	return c.settle(r)
}

// cancelOutstanding cancels every non-terminal leg with a fresh deadline and
// captures the final fill state.
func (c *Coordinator) cancelOutstanding(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
	defer cancel()

	for _, l := range r.legs {
		if l.Status.IsTerminal() {
			continue
		}
		if l.Status == domain.OrderStatusPending {
			_ = l.Transition(domain.OrderStatusCancelled)
			continue
		}
		if err := c.gw.CancelOrder(ctx, l); err != nil {
			c.logger.Error("Cancel failed", slog.String("leg_id", l.ID), slog.String("venue", l.Venue), slog.Any("error", err))
		}
		if !l.Status.IsTerminal() {
			if err := c.gw.QueryOrder(ctx, l); err != nil {
				c.logger.Debug("Post-cancel query failed", slog.String("leg_id", l.ID), slog.Any("error", err))
			}
		}
		if !l.Status.IsTerminal() {
			_ = l.Transition(domain.OrderStatusCancelled)
		}
	}
}

// unwind flattens the exposure left by filled legs with opposite market
// orders. Unwind legs are appended to the run so P&L includes them.
func (c *Coordinator) unwind(r *run) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	var plan []*domain.Leg
	if r.rec.Kind == domain.KindCross {
		plan = c.crossUnwind(r)
	} else {
		plan = c.cycleUnwind(r)
	}

	var errs []error
	for _, leg := range plan {
		if !leg.Amount.IsPositive() {
			continue
		}
		r.legs = append(r.legs, leg)
		if err := c.place(ctx, leg); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.waitFill(ctx, leg); err != nil || leg.Status != domain.OrderStatusFilled {
			errs = append(errs, fmt.Errorf("unwind leg %s ended %s", leg.ID, leg.Status))
			break
		}
	}
	return errors.Join(errs...)
}

// crossUnwind reverses the net base position: a filled buy is sold back on
// the buy venue, a filled sell is bought back on the sell venue.
func (c *Coordinator) crossUnwind(r *run) []*domain.Leg {
	net := decimal.Zero
	var buyLeg, sellLeg *domain.Leg
	for _, l := range r.legs {
		if l.Side == domain.SideBuy {
			net = net.Add(l.Filled)
			buyLeg = l
		} else {
			net = net.Sub(l.Filled)
			sellLeg = l
		}
	}
	switch {
	case net.IsPositive() && buyLeg != nil:
		return []*domain.Leg{c.newLeg(buyLeg.Venue, buyLeg.Symbol, domain.SideSell, net, buyLeg.AvgFillPrice)}
	case net.IsNegative() && sellLeg != nil:
		return []*domain.Leg{c.newLeg(sellLeg.Venue, sellLeg.Symbol, domain.SideBuy, net.Neg(), sellLeg.AvgFillPrice)}
	}
	return nil
}

// cycleUnwind walks the filled legs backwards, converting the held asset
// into the previous one until the start asset is reached. Only the first
// reverse leg is sized here; later ones are sized as the walk proceeds.
func (c *Coordinator) cycleUnwind(r *run) []*domain.Leg {
	var filled []*domain.Leg
	for _, l := range r.legs {
		if l.Filled.IsPositive() {
			filled = append(filled, l)
		}
	}
	if len(filled) == 0 {
		return nil
	}

	venue, _ := c.venues.Get(filled[0].Venue)
	fee := venue.Fee(c.cfg.UseMakerFees)

	// Only the last filled leg may be partial; its output is what we hold.
	var plan []*domain.Leg
	holding := legOutput(filled[len(filled)-1])
	for i := len(filled) - 1; i >= 0; i-- {
		orig := filled[i]
		side := orig.Side.Opposite()
		leg := c.newLeg(orig.Venue, orig.Symbol, side, legAmount(side, holding, orig.AvgFillPrice, fee), orig.AvgFillPrice)
		plan = append(plan, leg)
		// Expected output at the original price, used to size the next step.
		if side == domain.SideBuy {
			holding = leg.Amount
		} else {
			holding = leg.Amount.Mul(orig.AvgFillPrice).Mul(decimal.NewFromInt(1).Sub(fee))
		}
	}
	return plan
}

// settle computes realized P&L from the actual fills and reports it.
func (c *Coordinator) settle(r *run) *domain.ExecutionRecord {
	now := c.now()
	rec := r.rec
	rec.RealizedPnL = RealizedPnL(r.start, r.legs)
	rec.FinishedAt = now
	rec.Reason = strings.Join(r.notes, "; ")
	rec.Legs = make([]domain.Leg, 0, len(r.legs))
	symbols := make([]string, 0, len(r.legs))
	seen := make(map[string]bool)
	for _, l := range r.legs {
		rec.Legs = append(rec.Legs, *l)
		if !seen[l.Symbol] {
			seen[l.Symbol] = true
			symbols = append(symbols, l.Symbol)
		}
	}

	if c.settler != nil {
		c.settler.Settle(domain.Settlement{
			Kind:        rec.Kind,
			Symbols:     symbols,
			Venues:      rec.Venues,
			RealizedPnL: rec.RealizedPnL,
			Success:     rec.Success(),
			At:          now,
		})
	}
	if c.cooldown != nil {
		c.cooldown.Stamp(r.route, now)
	}
	if c.metrics != nil {
		c.metrics.RecordTrade(rec.Success())
	}
	c.journal.Execution(*rec)

	c.logger.Info("Execution finished",
		slog.String("execution_id", rec.ID),
		slog.String("route", r.route.String()),
		slog.String("state", string(rec.State)),
		slog.String("expected_profit", rec.ExpectedProfit.StringFixed(6)),
		slog.String("realized_pnl", rec.RealizedPnL.StringFixed(6)),
		slog.Duration("elapsed", now.Sub(rec.StartedAt)))
	return rec
}
