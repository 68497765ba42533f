package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crypto_arb/internal/domain"
)

func TestRESTPoller_HealthTransitions(t *testing.T) {
	m := NewMetrics()
	cfg := VenueConfig{PollInterval: Duration(time.Hour), ErrorThreshold: 2, Cooldown: Duration(time.Minute)}

	fail := true
	p := NewRESTPoller("mexc", cfg, m, func(ctx context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	clock := &fakeClock{t: time.Now()}
	p.breaker.now = clock.now
	ctx := context.Background()

	p.poll(ctx)
	if h := m.VenueHealth("mexc"); h.State != domain.HealthDegraded {
		t.Errorf("after one failure expected degraded, got %s", h.State)
	}

	p.poll(ctx)
	h := m.VenueHealth("mexc")
	if h.State != domain.HealthCoolingDown || h.Until.IsZero() {
		t.Errorf("after threshold expected cooling down with deadline, got %+v", h)
	}

	// Cooling down: fetch must not be called.
	fail = false
	p.poll(ctx)
	if m.VenueHealth("mexc").State != domain.HealthCoolingDown {
		t.Error("venue should stay cooling down until the deadline")
	}

	clock.advance(time.Minute)
	p.poll(ctx)
	if !m.VenueHealth("mexc").Healthy() {
		t.Error("successful poll should mark venue healthy")
	}
}

func TestRESTPoller_RunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	p := NewRESTPoller("mexc", VenueConfig{PollInterval: Duration(10 * time.Millisecond)}, NewMetrics(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if calls.Load() < 2 {
		t.Errorf("expected several polls, got %d", calls.Load())
	}
}

func TestDoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("missing user agent")
		}
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"msg":"slow down"}`))
			return
		}
		w.Write([]byte(`{"price":"1.5"}`))
	}))
	defer server.Close()

	var out struct {
		Price string `json:"price"`
	}
	if err := GetJSON(context.Background(), NewHTTPClient(), server.URL+"/ok", &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out.Price != "1.5" {
		t.Errorf("expected 1.5, got %s", out.Price)
	}

	err := GetJSON(context.Background(), NewHTTPClient(), server.URL+"/bad", &out)
	if err == nil || !domain.IsRetriable(err) {
		t.Errorf("expected retriable error for 429, got %v", err)
	}
}
