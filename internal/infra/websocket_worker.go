package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"crypto_arb/internal/domain"

	"github.com/gorilla/websocket"
)

// StreamHandler defines venue-specific logic for the BaseWSWorker.
type StreamHandler interface {
	Venue() string
	// URL resolves the endpoint; some venues hand out tokenized URLs per connect.
	URL(ctx context.Context) (string, error)
	// OnConnect performs login and subscriptions on a fresh session.
	OnConnect(ctx context.Context, s *Session) error
	// OnMessage decodes one inbound frame. A returned error forces a reconnect.
	OnMessage(ctx context.Context, s *Session, msgType int, data []byte) error
	// Ping sends the venue keepalive. Return nil when the venue relies on
	// control frames only.
	Ping(ctx context.Context, s *Session) error
}

// WSWorkerConfig tunes the session loop of one venue.
type WSWorkerConfig struct {
	ReadTimeout    time.Duration // Silence beyond this triggers a reconnect
	PingInterval   time.Duration
	ErrorThreshold int           // Consecutive failures before cooling down
	Cooldown       time.Duration // How long a cooling-down venue is skipped
}

// WSWorkerConfigFrom maps a venue config section.
func WSWorkerConfigFrom(v VenueConfig) WSWorkerConfig {
	return WSWorkerConfig{
		ReadTimeout:    v.ReadTimeout.D(),
		PingInterval:   v.PingInterval.D(),
		ErrorThreshold: v.ErrorThreshold,
		Cooldown:       v.Cooldown.D(),
	}
}

// Session is one live websocket connection. Writes are serialized.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WriteJSON marshals v and sends it as a text frame.
func (s *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteMessage(websocket.TextMessage, data)
}

// WriteText sends a raw text frame ("ping" style keepalives).
func (s *Session) WriteText(text string) error {
	return s.WriteMessage(websocket.TextMessage, []byte(text))
}

// WriteMessage is the thread-safe write used by handlers and the ping loop.
func (s *Session) WriteMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

// WritePing sends a websocket control ping.
func (s *Session) WritePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// ReadFrame reads one frame synchronously. Only valid inside OnConnect,
// before the read loop owns the connection (welcome and login acks).
func (s *Session) ReadFrame(timeout time.Duration) (int, []byte, error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	return s.conn.ReadMessage()
}

// BaseWSWorker manages the lifecycle of a streaming venue connection.
// It handles reconnection with backoff, silence detection, venue cool-down
// through a circuit breaker, and per-venue counters.
type BaseWSWorker struct {
	handler StreamHandler
	cfg     WSWorkerConfig
	stats   *VenueStats
	breaker *CircuitBreaker
	logger  *slog.Logger
	dialer  websocket.Dialer

	mu        sync.RWMutex
	connected bool
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler StreamHandler, cfg WSWorkerConfig, metrics *Metrics) *BaseWSWorker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &BaseWSWorker{
		handler: handler,
		cfg:     cfg,
		stats:   metrics.Venue(handler.Venue()),
		breaker: NewCircuitBreaker(handler.Venue(), cfg.ErrorThreshold, cfg.Cooldown),
		logger:  slog.Default().With(slog.String("module", "ws"), slog.String("venue", handler.Venue())),
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// Venue implements domain.Adapter.
func (w *BaseWSWorker) Venue() string {
	return w.handler.Venue()
}

// IsConnected returns connection status
func (w *BaseWSWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Run drives connect/read/reconnect until ctx is cancelled. It only returns
// nil: every failure is recovered locally.
func (w *BaseWSWorker) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("WS worker stopped")
			return nil
		}

		if !w.breaker.Allow() {
			until := w.breaker.RetryAt()
			w.stats.SetHealth(domain.HealthCoolingDown, until)
			w.logger.Warn("Venue cooling down", slog.Time("until", until))
			if !sleepCtx(ctx, time.Until(until)) {
				return nil
			}
			continue
		}

		w.stats.SetHealth(domain.HealthDegraded, time.Time{})
		received, err := w.runSession(ctx)
		w.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			retry = 0
		}

		w.stats.RecordError()
		w.stats.RecordReconnect()
		w.breaker.RecordFailure()

		delay := CalculateBackoff(retry)
		if domain.IsProtocolError(err) {
			delay = ProtocolBackoff(retry)
		}
		retry++
		w.logger.Warn("WS session ended",
			slog.Any("error", err),
			slog.Int("retry", retry),
			slog.Duration("backoff", delay),
		)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// runSession runs one connection until it fails. received reports whether
// at least one frame arrived, which counts as a successful (re)connect.
func (w *BaseWSWorker) runSession(ctx context.Context) (received bool, err error) {
	url, err := w.handler.URL(ctx)
	if err != nil {
		return false, domain.NewNetworkError("resolve", err)
	}

	header := make(http.Header)
	header.Set("User-Agent", DefaultUserAgent)
	conn, _, err := w.dialer.DialContext(ctx, url, header)
	if err != nil {
		return false, domain.NewNetworkError("connect", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &Session{conn: conn}

	// Closing the connection is the only way to unblock ReadMessage.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	if err := w.handler.OnConnect(sessCtx, sess); err != nil {
		return false, fmt.Errorf("on connect: %w", err)
	}
	w.setConnected(true)

	if w.cfg.PingInterval > 0 {
		go w.pingLoop(sessCtx, sess, cancel)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return received, domain.NewNetworkError("read", ErrSilenceFor(w.cfg.ReadTimeout))
			}
			return received, domain.NewNetworkError("read", err)
		}

		w.stats.RecordMessage()
		if err := w.handler.OnMessage(sessCtx, sess, msgType, msg); err != nil {
			return received, err
		}
		if !received {
			received = true
			w.breaker.RecordSuccess()
			w.stats.SetHealth(domain.HealthHealthy, time.Time{})
			w.logger.Info("WS Connected")
		}
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context, sess *Session, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("pingLoop panic recovered", slog.Any("panic", r))
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.handler.Ping(ctx, sess); err != nil {
				w.logger.Warn("WS Ping error", slog.Any("error", err))
				cancel()
				return
			}
		}
	}
}

func (w *BaseWSWorker) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

// ErrSilenceFor wraps domain.ErrSilence with the timeout that elapsed.
func ErrSilenceFor(d time.Duration) error {
	return fmt.Errorf("%w (%s)", domain.ErrSilence, d)
}

// sleepCtx waits for d or ctx; false means ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// CapSymbols enforces the per-connection subscription cap of a venue.
func CapSymbols(venue string, symbols []string, max int) []string {
	if max <= 0 || len(symbols) <= max {
		return symbols
	}
	slog.Warn("Symbol limit exceeded, truncating subscription",
		slog.String("venue", venue),
		slog.Int("count", len(symbols)),
		slog.Int("max", max),
	)
	return symbols[:max]
}

// SubscribeInBatches sends items in chunks of at most batch, pacing chunks
// through limiter to respect venue rate limits.
func SubscribeInBatches(ctx context.Context, items []string, batch int, limiter *RateLimiter, send func(chunk []string) error) error {
	if batch <= 0 {
		batch = len(items)
	}
	for start := 0; start < len(items); start += batch {
		end := start + batch
		if end > len(items) {
			end = len(items)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := send(items[start:end]); err != nil {
			return domain.NewNetworkError("subscribe", err)
		}
	}
	return nil
}
