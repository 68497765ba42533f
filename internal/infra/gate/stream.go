package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName    = "gate"
	defaultWSURL = "wss://api.gateio.ws/ws/v4/"

	channelBookTicker = "spot.book_ticker"
	channelOrderBook  = "spot.order_book"
	channelPing       = "spot.ping"
)

// Handler streams Gate v4 spot book tickers and 5-level order books.
type Handler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(cfg infra.VenueConfig, sink domain.MarketSink) *Handler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	return &Handler{
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "_", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
		now:    time.Now,
	}
}

// New returns the Gate adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

type request struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

func (h *Handler) Ping(ctx context.Context, s *infra.Session) error {
	return s.WriteJSON(request{Time: h.now().Unix(), Channel: channelPing})
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, h.symbols.Natives(), h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		if err := s.WriteJSON(request{Time: h.now().Unix(), Channel: channelBookTicker, Event: "subscribe", Payload: chunk}); err != nil {
			return err
		}
		// order_book takes one market per request: [symbol, depth, interval]
		for _, sym := range chunk {
			if err := s.WriteJSON(request{Time: h.now().Unix(), Channel: channelOrderBook, Event: "subscribe", Payload: []string{sym, "5", "100ms"}}); err != nil {
				return err
			}
		}
		return nil
	})
}

type message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *apiError       `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bookTicker struct {
	Symbol  string `json:"s"`
	Bid     string `json:"b"`
	BidSize string `json:"B"`
	Ask     string `json:"a"`
	AskSize string `json:"A"`
}

type orderBook struct {
	Symbol       string     `json:"s"`
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if msg.Error != nil {
		return &domain.ProtocolError{Venue: VenueName, Code: msg.Channel, Msg: msg.Error.Message}
	}
	if msg.Event != "update" && msg.Event != "all" {
		return nil // subscribe acks and pongs
	}

	switch msg.Channel {
	case channelBookTicker:
		var t bookTicker
		if err := json.Unmarshal(msg.Result, &t); err != nil {
			h.logger.Debug("Bad book_ticker payload", slog.Any("error", err))
			return nil
		}
		if symbol, ok := h.symbols.Canonical(t.Symbol); ok {
			h.feed.Quote(symbol, t.Bid, t.BidSize, t.Ask, t.AskSize)
		}
	case channelOrderBook:
		var b orderBook
		if err := json.Unmarshal(msg.Result, &b); err != nil {
			h.logger.Debug("Bad order_book payload", slog.Any("error", err))
			return nil
		}
		if symbol, ok := h.symbols.Canonical(b.Symbol); ok {
			h.feed.Book(symbol, infra.ParseLevels(b.Bids), infra.ParseLevels(b.Asks), b.LastUpdateID)
		}
	}
	return nil
}
