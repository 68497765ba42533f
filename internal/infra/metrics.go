package infra

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto_arb/internal/domain"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety. The dashboard/CLI and the
// Prometheus collector read it through Snapshot; nothing is pushed.
type Metrics struct {
	// Counters
	scansPerformed     atomic.Uint64
	opportunitiesFound atomic.Uint64
	tradesExecuted     atomic.Uint64
	tradesFailed       atomic.Uint64
	riskRejections     atomic.Uint64
	dataRejected       atomic.Uint64

	// Scan latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	venuesMu sync.RWMutex
	venues   map[string]*VenueStats
}

// VenueStats holds the counters of one venue adapter.
type VenueStats struct {
	name         string
	messages     atomic.Uint64
	errors       atomic.Uint64
	reconnects   atomic.Uint64
	health       atomic.Int32
	coolingUntil atomic.Int64 // Unix nanos
	lastMessage  atomic.Int64 // Unix nanos
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = NewMetrics()

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{venues: make(map[string]*VenueStats)}
}

// Venue returns the stats of a venue, creating them on first use.
// New venues start Degraded until their first message arrives.
func (m *Metrics) Venue(name string) *VenueStats {
	m.venuesMu.RLock()
	vs, ok := m.venues[name]
	m.venuesMu.RUnlock()
	if ok {
		return vs
	}

	m.venuesMu.Lock()
	defer m.venuesMu.Unlock()
	if vs, ok = m.venues[name]; ok {
		return vs
	}
	vs = &VenueStats{name: name}
	vs.health.Store(int32(domain.HealthDegraded))
	m.venues[name] = vs
	return vs
}

// VenueHealth implements domain.HealthSource.
func (m *Metrics) VenueHealth(venue string) domain.VenueHealth {
	m.venuesMu.RLock()
	vs, ok := m.venues[venue]
	m.venuesMu.RUnlock()
	if !ok {
		return domain.VenueHealth{State: domain.HealthDegraded}
	}
	return vs.Health()
}

// RecordScan records one scan pass with its duration.
func (m *Metrics) RecordScan(d time.Duration) {
	m.scansPerformed.Add(1)
	m.latencySumNs.Add(int64(d))
	m.latencyCount.Add(1)
}

// RecordOpportunities adds n detected opportunities.
func (m *Metrics) RecordOpportunities(n int) {
	if n > 0 {
		m.opportunitiesFound.Add(uint64(n))
	}
}

// RecordTrade records a finished execution.
func (m *Metrics) RecordTrade(success bool) {
	if success {
		m.tradesExecuted.Add(1)
	} else {
		m.tradesFailed.Add(1)
	}
}

// RecordRejection records an opportunity dropped by the risk gate.
func (m *Metrics) RecordRejection() {
	m.riskRejections.Add(1)
}

// RecordDataRejected records a stale or malformed snapshot dropped at ingestion.
func (m *Metrics) RecordDataRejected() {
	m.dataRejected.Add(1)
}

// RecordMessage counts an inbound frame and marks the venue alive.
func (v *VenueStats) RecordMessage() {
	v.messages.Add(1)
	v.lastMessage.Store(time.Now().UnixNano())
}

// RecordError counts a transport, protocol or decode error.
func (v *VenueStats) RecordError() {
	v.errors.Add(1)
}

// RecordReconnect counts a reconnect attempt.
func (v *VenueStats) RecordReconnect() {
	v.reconnects.Add(1)
}

// SetHealth sets the health state; until is only meaningful for cooling down.
func (v *VenueStats) SetHealth(state domain.HealthState, until time.Time) {
	v.health.Store(int32(state))
	if state == domain.HealthCoolingDown {
		v.coolingUntil.Store(until.UnixNano())
	} else {
		v.coolingUntil.Store(0)
	}
}

// Health returns the current health.
func (v *VenueStats) Health() domain.VenueHealth {
	h := domain.VenueHealth{State: domain.HealthState(v.health.Load())}
	if until := v.coolingUntil.Load(); until > 0 {
		h.Until = time.Unix(0, until)
	}
	return h
}

// VenueSnapshot is a point-in-time view of one venue.
type VenueSnapshot struct {
	Name        string
	Messages    uint64
	Errors      uint64
	Reconnects  uint64
	Health      domain.VenueHealth
	LastMessage time.Time
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ScansPerformed     uint64
	OpportunitiesFound uint64
	TradesExecuted     uint64
	TradesFailed       uint64
	RiskRejections     uint64
	DataRejected       uint64
	AvgScanLatencyNs   int64
	Venues             []VenueSnapshot
	Timestamp          time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	m.venuesMu.RLock()
	venues := make([]VenueSnapshot, 0, len(m.venues))
	for _, vs := range m.venues {
		snap := VenueSnapshot{
			Name:       vs.name,
			Messages:   vs.messages.Load(),
			Errors:     vs.errors.Load(),
			Reconnects: vs.reconnects.Load(),
			Health:     vs.Health(),
		}
		if last := vs.lastMessage.Load(); last > 0 {
			snap.LastMessage = time.Unix(0, last)
		}
		venues = append(venues, snap)
	}
	m.venuesMu.RUnlock()
	sort.Slice(venues, func(i, j int) bool { return venues[i].Name < venues[j].Name })

	return MetricsSnapshot{
		ScansPerformed:     m.scansPerformed.Load(),
		OpportunitiesFound: m.opportunitiesFound.Load(),
		TradesExecuted:     m.tradesExecuted.Load(),
		TradesFailed:       m.tradesFailed.Load(),
		RiskRejections:     m.riskRejections.Load(),
		DataRejected:       m.dataRejected.Load(),
		AvgScanLatencyNs:   avgLatency,
		Venues:             venues,
		Timestamp:          time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.scansPerformed.Store(0)
	m.opportunitiesFound.Store(0)
	m.tradesExecuted.Store(0)
	m.tradesFailed.Store(0)
	m.riskRejections.Store(0)
	m.dataRejected.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)

	m.venuesMu.Lock()
	m.venues = make(map[string]*VenueStats)
	m.venuesMu.Unlock()
}
