package execution

import (
	"context"
	"fmt"
	"log/slog"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/infra/bitget"
	"crypto_arb/internal/strategy"

	"github.com/shopspring/decimal"
)

// OrderGateway places and tracks orders for legs. Implementations update the
// leg in place (ExchangeID, status, fills) and never block past ctx.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, leg *domain.Leg) error
	QueryOrder(ctx context.Context, leg *domain.Leg) error
	CancelOrder(ctx context.Context, leg *domain.Leg) error
}

// VenueClient is a live venue connection that can trade and report balances.
type VenueClient interface {
	OrderGateway
	domain.BalanceProvider
}

// Router dispatches legs and balance lookups to a per-venue client.
type Router map[string]VenueClient

func (r Router) client(venue string) (VenueClient, error) {
	c, ok := r[venue]
	if !ok {
		return nil, fmt.Errorf("no order gateway for venue %q", venue)
	}
	return c, nil
}

func (r Router) PlaceOrder(ctx context.Context, leg *domain.Leg) error {
	c, err := r.client(leg.Venue)
	if err != nil {
		return err
	}
	return c.PlaceOrder(ctx, leg)
}

func (r Router) QueryOrder(ctx context.Context, leg *domain.Leg) error {
	c, err := r.client(leg.Venue)
	if err != nil {
		return err
	}
	return c.QueryOrder(ctx, leg)
}

func (r Router) CancelOrder(ctx context.Context, leg *domain.Leg) error {
	c, err := r.client(leg.Venue)
	if err != nil {
		return err
	}
	return c.CancelOrder(ctx, leg)
}

func (r Router) Balance(ctx context.Context, venue, asset string) (decimal.Decimal, error) {
	c, err := r.client(venue)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Balance(ctx, venue, asset)
}

// NewGateway builds the order gateway for the configured mode. Monitor mode
// returns nil for both values.
//   - paper: PaperGateway filling against market, funded per venue
//   - live:  Router over the venues that have a REST trading client and
//     credentials
func NewGateway(cfg *infra.Config, market strategy.MarketReader) (OrderGateway, domain.BalanceProvider, error) {
	switch cfg.App.Mode {
	case infra.ModeMonitor:
		return nil, nil, nil

	case infra.ModePaper:
		paper := NewPaperGateway(cfg.VenueSet(), market, PaperConfig{
			UseMakerFees:  cfg.Scanner.UseMakerFees,
			SeedInventory: cfg.Execution.PaperBalance,
		})
		for _, name := range cfg.EnabledVenues() {
			for _, asset := range quoteAssets(cfg.Venues[name].Symbols) {
				paper.Deposit(name, asset, cfg.Execution.PaperBalance)
			}
		}
		slog.Info("📝 Paper trading gateway ready", slog.Int("venues", len(cfg.EnabledVenues())))
		return paper, paper, nil

	case infra.ModeLive:
		router := make(Router)
		for _, name := range cfg.EnabledVenues() {
			vc := cfg.Venues[name]
			if !vc.Credentials.Present() {
				continue
			}
			switch name {
			case bitget.VenueName:
				router[name] = bitget.NewClient(vc)
			default:
				slog.Warn("No live trading client for venue, it will only be scanned", slog.String("venue", name))
			}
		}
		if len(router) == 0 {
			return nil, nil, domain.NewConfigError("app.mode", "live mode needs credentials for at least one tradable venue")
		}
		return router, router, nil
	}
	return nil, nil, domain.NewConfigError("app.mode", "unknown mode %q", cfg.App.Mode)
}

func quoteAssets(symbols []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range symbols {
		base, quote, ok := domain.SplitSymbol(s)
		if !ok {
			continue
		}
		// Stablecoin bases (USDC/USDT) fund triangular starts too.
		for _, a := range []string{quote, base} {
			if !seen[a] && isStable(a) {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func isStable(asset string) bool {
	for _, s := range strategy.DefaultStartAssets {
		if s == asset {
			return true
		}
	}
	return false
}
