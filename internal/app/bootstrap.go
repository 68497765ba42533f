package app

import (
	"context"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/infra/postgres"
	redisx "crypto_arb/internal/infra/redis"
	"crypto_arb/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// JournalStore is a domain.Journal that can also answer what the risk gate
// needs on startup.
type JournalStore interface {
	domain.Journal
	RealizedPnLSince(ctx context.Context, t time.Time) (decimal.Decimal, error)
	Close() error
}

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Journal JournalStore
	Redis   *redisx.Client // nil unless redis.enabled
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, sets up logging and opens the journal and
// the optional Redis mirror.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping crypto arbitrage...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("⚙️ Configuration loaded",
		slog.String("mode", cfg.App.Mode),
		slog.Any("venues", cfg.EnabledVenues()))

	// 3. Journal
	journal, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	b.Journal = journal
	slog.Info("✅ Journal initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Redis mirror (optional)
	if cfg.Redis.Enabled {
		client, err := redisx.New(ctx, redisx.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			b.Close()
			return err
		}
		b.Redis = client
		slog.Info("✅ Redis mirror connected", slog.String("addr", cfg.Redis.Addr))
	}

	return nil
}

func openJournal(ctx context.Context, cfg *infra.Config) (JournalStore, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return postgres.Open(connectCtx, cfg.Storage.PostgresDSN, 4)
	case "", "sqlite":
		return storage.NewJournal(cfg.Storage.Path)
	}
	return nil, domain.NewConfigError("storage.driver", "unknown driver %q", cfg.Storage.Driver)
}

// Close releases the journal and the Redis client.
func (b *Bootstrap) Close() {
	if b.Journal != nil {
		if err := b.Journal.Close(); err != nil {
			slog.Warn("Journal close failed", slog.Any("error", err))
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			slog.Warn("Redis close failed", slog.Any("error", err))
		}
	}
}
