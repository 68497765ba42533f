package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/service"

	"github.com/gorilla/websocket"
)

func testConfig(url string) infra.VenueConfig {
	return infra.VenueConfig{
		Enabled:        true,
		WSURL:          url,
		Symbols:        []string{"BTC/USDT", "ETH/USDT"},
		MaxSymbols:     30,
		SubscribeBatch: 10,
		ReadTimeout:    infra.Duration(5 * time.Second),
	}
}

func TestHandler_DecodesTickerAndDepth(t *testing.T) {
	store := service.NewMarketStore(nil)
	h := NewHandler(testConfig(""), store)
	ctx := context.Background()

	frames := []string{
		`{"result":null,"id":1}`,
		`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","s":"BTCUSDT","b":"50000.10","B":"1.2","a":"50000.20","A":"0.8"}}`,
		`{"stream":"ethusdt@depth5@100ms","data":{"lastUpdateId":42,"bids":[["3000.1","2"],["3000.0","1"]],"asks":[["3000.2","1.5"]]}}`,
		`{"stream":"solusdt@ticker","data":{"s":"SOLUSDT","b":"1","B":"1","a":"2","A":"1"}}`,
		`not json`,
	}
	for _, f := range frames {
		if err := h.OnMessage(ctx, nil, websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("OnMessage(%s) failed: %v", f, err)
		}
	}

	q, ok := store.Quote("BTC/USDT", VenueName)
	if !ok {
		t.Fatal("expected BTC/USDT quote")
	}
	if q.Bid.String() != "50000.1" || q.AskSize.String() != "0.8" {
		t.Errorf("unexpected quote %+v", q)
	}

	b, ok := store.Book("ETH/USDT", VenueName)
	if !ok {
		t.Fatal("expected ETH/USDT book")
	}
	if len(b.Bids) != 2 || b.Sequence != 42 || b.Asks[0].Price.String() != "3000.2" {
		t.Errorf("unexpected book %+v", b)
	}

	if got := store.Symbols(); len(got) != 2 {
		t.Errorf("unconfigured symbols must be ignored, got %v", got)
	}
}

func TestHandler_ErrorFrameIsProtocolError(t *testing.T) {
	h := NewHandler(testConfig(""), service.NewMarketStore(nil))
	err := h.OnMessage(context.Background(), nil, websocket.TextMessage, []byte(`{"code":2,"msg":"Invalid request","id":1}`))
	if !domain.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestAdapter_SubscribesAndStreams(t *testing.T) {
	subscribed := make(chan []string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Params
		frame, _ := json.Marshal(map[string]any{
			"stream": "btcusdt@ticker",
			"data":   map[string]string{"s": "BTCUSDT", "b": "100", "B": "1", "a": "101", "A": "1"},
		})
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	store := service.NewMarketStore(nil)
	updates := make(chan string, 4)
	store.Subscribe(func(symbol string) {
		select {
		case updates <- symbol:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metrics := infra.NewMetrics()
	adapter := New(testConfig("ws"+strings.TrimPrefix(server.URL, "http")), store, metrics)
	go adapter.Run(ctx)

	select {
	case params := <-subscribed:
		want := []string{"btcusdt@ticker", "btcusdt@depth5@100ms", "ethusdt@ticker", "ethusdt@depth5@100ms"}
		if strings.Join(params, ",") != strings.Join(want, ",") {
			t.Errorf("subscribe params = %v, want %v", params, want)
		}
	case <-ctx.Done():
		t.Fatal("no subscription received")
	}

	select {
	case sym := <-updates:
		if sym != "BTC/USDT" {
			t.Errorf("unexpected update for %s", sym)
		}
	case <-ctx.Done():
		t.Fatal("no quote reached the store")
	}

	// Health flips right after the first frame is handled.
	deadline := time.Now().Add(time.Second)
	for !metrics.VenueHealth(VenueName).Healthy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h := metrics.VenueHealth(VenueName); h.State != domain.HealthHealthy {
		t.Errorf("expected healthy venue after first frame, got %s", h.State)
	}
}
