package infra

import (
	"context"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
)

// FetchFunc performs one poll of a venue and pushes results into the store.
type FetchFunc func(ctx context.Context) error

// RESTPoller drives a polling venue: fetch immediately, then every interval.
// Repeated failures cool the venue down through the same breaker the
// streaming worker uses.
type RESTPoller struct {
	venue    string
	interval time.Duration
	fetch    FetchFunc
	stats    *VenueStats
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

// NewRESTPoller creates a poller for venue.
func NewRESTPoller(venue string, cfg VenueConfig, metrics *Metrics, fetch FetchFunc) *RESTPoller {
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.Cooldown.D()
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &RESTPoller{
		venue:    venue,
		interval: cfg.PollInterval.D(),
		fetch:    fetch,
		stats:    metrics.Venue(venue),
		breaker:  NewCircuitBreaker(venue, threshold, cooldown),
		logger:   slog.Default().With(slog.String("module", "poller"), slog.String("venue", venue)),
	}
}

// Venue implements domain.Adapter.
func (p *RESTPoller) Venue() string {
	return p.venue
}

// Run polls until ctx is cancelled.
func (p *RESTPoller) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poller panic recovered", slog.Any("panic", r))
		}
	}()

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Polling stopped")
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *RESTPoller) poll(ctx context.Context) {
	if !p.breaker.Allow() {
		p.stats.SetHealth(domain.HealthCoolingDown, p.breaker.RetryAt())
		return
	}

	if err := p.fetch(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.stats.RecordError()
		if p.breaker.RecordFailure() {
			p.stats.SetHealth(domain.HealthCoolingDown, p.breaker.RetryAt())
		} else {
			p.stats.SetHealth(domain.HealthDegraded, time.Time{})
		}
		p.logger.Warn("Poll failed", slog.Any("error", err))
		return
	}

	p.stats.RecordMessage()
	p.breaker.RecordSuccess()
	p.stats.SetHealth(domain.HealthHealthy, time.Time{})
}
