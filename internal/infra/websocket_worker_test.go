package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto_arb/internal/domain"

	"github.com/gorilla/websocket"
)

type fakeHandler struct {
	url       string
	mu        sync.Mutex
	connects  int
	frames    []string
	onFrame   func(n int)
	connectFn func(s *Session) error
}

func (h *fakeHandler) Venue() string                              { return "fake" }
func (h *fakeHandler) URL(ctx context.Context) (string, error)    { return h.url, nil }
func (h *fakeHandler) Ping(ctx context.Context, s *Session) error { return s.WriteText("ping") }
func (h *fakeHandler) OnConnect(ctx context.Context, s *Session) error {
	h.mu.Lock()
	h.connects++
	h.mu.Unlock()
	if h.connectFn != nil {
		return h.connectFn(s)
	}
	return s.WriteJSON(map[string]string{"op": "subscribe"})
}

func (h *fakeHandler) OnMessage(ctx context.Context, s *Session, msgType int, data []byte) error {
	h.mu.Lock()
	h.frames = append(h.frames, string(data))
	n := len(h.frames)
	h.mu.Unlock()
	if h.onFrame != nil {
		h.onFrame(n)
	}
	return nil
}

func newWSServer(t *testing.T, serve func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBaseWSWorker_ReceivesAndBecomesHealthy(t *testing.T) {
	server, url := newWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil || !strings.Contains(string(msg), "subscribe") {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		time.Sleep(time.Second)
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewMetrics()
	h := &fakeHandler{url: url}
	healthy := make(chan bool, 1)
	h.onFrame = func(n int) {
		if n == 2 {
			healthy <- m.VenueHealth("fake").Healthy()
			cancel()
		}
	}

	w := NewBaseWSWorker(h, WSWorkerConfig{ReadTimeout: 2 * time.Second}, m)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	select {
	case ok := <-healthy:
		if !ok {
			t.Error("venue should be healthy after the first frame")
		}
	default:
		t.Fatal("frames were not delivered")
	}
	if got := m.Venue("fake").messages.Load(); got != 2 {
		t.Errorf("expected 2 messages counted, got %d", got)
	}
}

func TestBaseWSWorker_SilenceTimeout(t *testing.T) {
	server, url := newWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	w := NewBaseWSWorker(&fakeHandler{url: url}, WSWorkerConfig{ReadTimeout: 50 * time.Millisecond}, NewMetrics())
	received, err := w.runSession(context.Background())
	if received {
		t.Error("no frame was sent")
	}
	if !errors.Is(err, domain.ErrSilence) {
		t.Errorf("expected silence error, got %v", err)
	}
}

func TestBaseWSWorker_ProtocolErrorOnConnect(t *testing.T) {
	server, url := newWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	h := &fakeHandler{url: url, connectFn: func(s *Session) error {
		return &domain.ProtocolError{Venue: "fake", Code: "30001", Msg: "denied"}
	}}
	w := NewBaseWSWorker(h, WSWorkerConfig{}, NewMetrics())
	_, err := w.runSession(context.Background())
	if !domain.IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestBaseWSWorker_CoolsDownAfterThreshold(t *testing.T) {
	m := NewMetrics()
	// Nothing listens on this address, so every connect fails.
	h := &fakeHandler{url: "ws://127.0.0.1:1/ws"}
	w := NewBaseWSWorker(h, WSWorkerConfig{ErrorThreshold: 1, Cooldown: time.Hour}, m)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if h := m.VenueHealth("fake"); h.State != domain.HealthCoolingDown || h.Until.IsZero() {
		t.Errorf("expected cooling down, got %+v", h)
	}
}

func TestSubscribeInBatches(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	var chunks [][]string
	err := SubscribeInBatches(context.Background(), items, 2, NewIntervalLimiter(time.Millisecond), func(chunk []string) error {
		chunks = append(chunks, append([]string(nil), chunk...))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 || len(chunks[2]) != 1 || chunks[2][0] != "e" {
		t.Errorf("unexpected chunks %v", chunks)
	}

	err = SubscribeInBatches(context.Background(), items, 2, nil, func(chunk []string) error {
		return errors.New("closed")
	})
	if !domain.IsRetriable(err) {
		t.Errorf("send failure should be a retriable network error, got %v", err)
	}
}

func TestCapSymbols(t *testing.T) {
	syms := []string{"A/USDT", "B/USDT", "C/USDT"}
	if got := CapSymbols("x", syms, 2); len(got) != 2 {
		t.Errorf("expected 2 symbols, got %d", len(got))
	}
	if got := CapSymbols("x", syms, 0); len(got) != 3 {
		t.Errorf("zero cap must not truncate")
	}
}
