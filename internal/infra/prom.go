package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	descScans         = prometheus.NewDesc("arb_scans_total", "Scan passes performed.", nil, nil)
	descOpportunities = prometheus.NewDesc("arb_opportunities_total", "Opportunities detected.", nil, nil)
	descTrades        = prometheus.NewDesc("arb_trades_total", "Finished executions by outcome.", []string{"outcome"}, nil)
	descRejections    = prometheus.NewDesc("arb_risk_rejections_total", "Opportunities rejected by the risk gate.", nil, nil)
	descDataRejected  = prometheus.NewDesc("arb_data_rejected_total", "Market snapshots dropped at ingestion.", nil, nil)
	descScanLatency   = prometheus.NewDesc("arb_scan_latency_seconds_avg", "Average scan latency.", nil, nil)
	descVenueMessages = prometheus.NewDesc("arb_venue_messages_total", "Frames received per venue.", []string{"venue"}, nil)
	descVenueErrors   = prometheus.NewDesc("arb_venue_errors_total", "Transport and protocol errors per venue.", []string{"venue"}, nil)
	descVenueReconn   = prometheus.NewDesc("arb_venue_reconnects_total", "Reconnect attempts per venue.", []string{"venue"}, nil)
	descVenueHealth   = prometheus.NewDesc("arb_venue_health", "0 healthy, 1 degraded, 2 cooling down.", []string{"venue"}, nil)
)

// PromCollector exposes Metrics snapshots to Prometheus. Values are read at
// scrape time, so the hot path keeps using plain atomics.
type PromCollector struct {
	metrics *Metrics
}

// NewPromCollector wraps m.
func NewPromCollector(m *Metrics) *PromCollector {
	return &PromCollector{metrics: m}
}

// Describe implements prometheus.Collector.
func (c *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descScans, descOpportunities, descTrades, descRejections, descDataRejected,
		descScanLatency, descVenueMessages, descVenueErrors, descVenueReconn, descVenueHealth,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PromCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(descScans, prometheus.CounterValue, float64(s.ScansPerformed))
	ch <- prometheus.MustNewConstMetric(descOpportunities, prometheus.CounterValue, float64(s.OpportunitiesFound))
	ch <- prometheus.MustNewConstMetric(descTrades, prometheus.CounterValue, float64(s.TradesExecuted), "success")
	ch <- prometheus.MustNewConstMetric(descTrades, prometheus.CounterValue, float64(s.TradesFailed), "failure")
	ch <- prometheus.MustNewConstMetric(descRejections, prometheus.CounterValue, float64(s.RiskRejections))
	ch <- prometheus.MustNewConstMetric(descDataRejected, prometheus.CounterValue, float64(s.DataRejected))
	ch <- prometheus.MustNewConstMetric(descScanLatency, prometheus.GaugeValue, float64(s.AvgScanLatencyNs)/1e9)

	for _, v := range s.Venues {
		ch <- prometheus.MustNewConstMetric(descVenueMessages, prometheus.CounterValue, float64(v.Messages), v.Name)
		ch <- prometheus.MustNewConstMetric(descVenueErrors, prometheus.CounterValue, float64(v.Errors), v.Name)
		ch <- prometheus.MustNewConstMetric(descVenueReconn, prometheus.CounterValue, float64(v.Reconnects), v.Name)
		ch <- prometheus.MustNewConstMetric(descVenueHealth, prometheus.GaugeValue, float64(v.Health.State), v.Name)
	}
}

// MetricsHandler registers a collector for m on a private registry and
// returns the /metrics handler.
func MetricsHandler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPromCollector(m))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
