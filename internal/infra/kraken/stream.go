package kraken

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName    = "kraken"
	defaultWSURL = "wss://ws.kraken.com"
	bookDepth    = 10
)

// Kraken names some assets differently on the wire.
var aliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// WireSymbol renders a canonical symbol in Kraken notation (BTC/USD -> XBT/USD).
func WireSymbol(canonical string) string {
	base, quote, ok := domain.SplitSymbol(canonical)
	if !ok {
		return canonical
	}
	if a, ok := aliases[base]; ok {
		base = a
	}
	if a, ok := aliases[quote]; ok {
		quote = a
	}
	return base + "/" + quote
}

// Handler streams Kraken v1 ticker and book channels. Data frames are JSON
// arrays; events are objects.
type Handler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	books   map[string]*infra.LocalBook
	logger  *slog.Logger
}

func NewHandler(cfg infra.VenueConfig, sink domain.MarketSink) *Handler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	return &Handler{
		cfg:     cfg,
		url:     url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), WireSymbol),
		feed:    infra.NewFeed(VenueName, sink),
		books:   make(map[string]*infra.LocalBook),
		logger:  slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

// New returns the Kraken adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

func (h *Handler) Ping(ctx context.Context, s *infra.Session) error {
	return s.WriteJSON(map[string]string{"event": "ping"})
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	clear(h.books)
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, h.symbols.Natives(), h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		if err := s.WriteJSON(subscribeRequest{Event: "subscribe", Pair: chunk, Subscription: subscription{Name: "ticker"}}); err != nil {
			return err
		}
		return s.WriteJSON(subscribeRequest{Event: "subscribe", Pair: chunk, Subscription: subscription{Name: "book", Depth: bookDepth}})
	})
}

type eventFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Pair         string `json:"pair"`
}

type tickerPayload struct {
	Ask []json.Number `json:"a"` // price, whole lot volume, lot volume
	Bid []json.Number `json:"b"`
}

type bookPayload struct {
	AskSnapshot [][]string `json:"as"`
	BidSnapshot [][]string `json:"bs"`
	Asks        [][]string `json:"a"`
	Bids        [][]string `json:"b"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var ev eventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "error" {
			return &domain.ProtocolError{Venue: VenueName, Code: ev.Pair, Msg: ev.ErrorMessage}
		}
		return nil // heartbeat, pong, systemStatus
	}

	// [channelID, payload..., channelName, pair]
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		h.logger.Debug("Undecodable frame", slog.Int("len", len(data)))
		return nil
	}
	var channel, pair string
	if json.Unmarshal(frame[len(frame)-2], &channel) != nil || json.Unmarshal(frame[len(frame)-1], &pair) != nil {
		return nil
	}
	symbol, ok := h.symbols.Canonical(pair)
	if !ok {
		return nil
	}
	payloads := frame[1 : len(frame)-2]

	switch {
	case channel == "ticker":
		var t tickerPayload
		if err := json.Unmarshal(payloads[0], &t); err != nil || len(t.Ask) < 3 || len(t.Bid) < 3 {
			return nil
		}
		h.feed.Quote(symbol, t.Bid[0].String(), t.Bid[2].String(), t.Ask[0].String(), t.Ask[2].String())
	case strings.HasPrefix(channel, "book"):
		h.applyBook(symbol, payloads)
	}
	return nil
}

// applyBook handles snapshots ("as"/"bs") and updates, which may split asks
// and bids across two payload objects.
func (h *Handler) applyBook(symbol string, payloads []json.RawMessage) {
	book := h.books[symbol]
	if book == nil {
		book = infra.NewLocalBook(VenueName, symbol, bookDepth)
		h.books[symbol] = book
	}
	for _, raw := range payloads {
		var p bookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.AskSnapshot != nil || p.BidSnapshot != nil {
			book.Reset(infra.ParseLevels(p.BidSnapshot), infra.ParseLevels(p.AskSnapshot), 0)
			continue
		}
		book.Apply(infra.ParseLevels(p.Bids), infra.ParseLevels(p.Asks), 0)
	}
	if book.Ready() {
		h.feed.PublishBook(book.Snapshot(h.feed.Now()))
	}
}
