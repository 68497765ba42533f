package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HealthState is the connection health of a venue as seen by its adapter.
type HealthState int32

const (
	HealthHealthy     HealthState = iota // Connected and receiving data
	HealthDegraded                       // Connecting, reconnecting or recently failed
	HealthCoolingDown                    // Too many errors; skipped until VenueHealth.Until
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthCoolingDown:
		return "COOLING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// VenueHealth is a health state plus the cool-down deadline when relevant.
type VenueHealth struct {
	State HealthState `json:"state"`
	Until time.Time   `json:"until,omitempty"`
}

// Healthy reports whether the venue may take part in a trade.
func (h VenueHealth) Healthy() bool {
	return h.State == HealthHealthy
}

// Venue is the static description of one trading venue.
type Venue struct {
	Name            string          `json:"name"`
	MakerFee        decimal.Decimal `json:"maker_fee"` // Fraction, 0.001 = 0.1%
	TakerFee        decimal.Decimal `json:"taker_fee"`
	Streaming       bool            `json:"streaming"`
	PrivateChannels bool            `json:"private_channels"`
	Staleness       time.Duration   `json:"staleness"` // Max quote age accepted by the scanners
}

var hundred = decimal.NewFromInt(100)

// FeePct returns the applicable fee in percent.
func (v Venue) FeePct(maker bool) decimal.Decimal {
	if maker {
		return v.MakerFee.Mul(hundred)
	}
	return v.TakerFee.Mul(hundred)
}

// Fee returns the applicable fee as a fraction.
func (v Venue) Fee(maker bool) decimal.Decimal {
	if maker {
		return v.MakerFee
	}
	return v.TakerFee
}

// VenueSet is the read-only venue roster built once at startup.
type VenueSet map[string]Venue

// Get returns the venue and whether it is configured.
func (s VenueSet) Get(name string) (Venue, bool) {
	v, ok := s[name]
	return v, ok
}
