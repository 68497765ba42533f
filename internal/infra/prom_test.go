package infra

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto_arb/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPromCollector(t *testing.T) {
	m := NewMetrics()
	m.RecordScan(1000)
	m.RecordTrade(true)
	m.Venue("okx").RecordMessage()
	m.Venue("okx").SetHealth(domain.HealthHealthy, time.Time{})

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPromCollector(m))
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	// 7 global series (trades split by outcome) plus 4 per venue.
	series := 0
	for _, f := range families {
		series += len(f.GetMetric())
	}
	if series != 11 {
		t.Errorf("expected 11 series, got %d", series)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordOpportunities(2)
	m.Venue("binance").RecordReconnect()

	rec := httptest.NewRecorder()
	MetricsHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"arb_opportunities_total 2",
		`arb_venue_reconnects_total{venue="binance"} 1`,
		`arb_venue_health{venue="binance"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in metrics output", want)
		}
	}
}
