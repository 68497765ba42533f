package bybit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName    = "bybit"
	defaultWSURL = "wss://stream.bybit.com/v5/public/spot"
	bookDepth    = 50
	// Bybit accepts at most 10 args per subscribe request.
	maxArgs = 10
)

// Handler streams Bybit v5 spot: orderbook.1 for the top of book and
// orderbook.50 (snapshot + delta) for depth.
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
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		books:  make(map[string]*infra.LocalBook),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

// New returns the Bybit adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

func (h *Handler) Ping(ctx context.Context, s *infra.Session) error {
	return s.WriteJSON(map[string]string{"op": "ping"})
}

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	// Books are rebuilt from the snapshot each session sends first.
	clear(h.books)

	topics := make([]string, 0, 2*len(h.symbols.Natives()))
	for _, sym := range h.symbols.Natives() {
		topics = append(topics, "orderbook.1."+sym, "orderbook.50."+sym)
	}
	batch := h.cfg.SubscribeBatch
	if batch <= 0 || batch > maxArgs {
		batch = maxArgs
	}
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, topics, batch, limiter, func(chunk []string) error {
		return s.WriteJSON(request{Op: "subscribe", Args: chunk})
	})
}

type message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // snapshot | delta
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update uint64     `json:"u"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if msg.Op != "" {
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			return &domain.ProtocolError{Venue: VenueName, Code: "subscribe", Msg: msg.RetMsg}
		}
		return nil // pong or ack
	}

	parts := strings.Split(msg.Topic, ".")
	if len(parts) != 3 || parts[0] != "orderbook" {
		return nil
	}
	symbol, ok := h.symbols.Canonical(parts[2])
	if !ok {
		return nil
	}
	var d bookData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		h.logger.Debug("Bad orderbook payload", slog.Any("error", err))
		return nil
	}
	bids, asks := infra.ParseLevels(d.Bids), infra.ParseLevels(d.Asks)

	if parts[1] == "1" {
		if len(bids) == 0 || len(asks) == 0 {
			return nil
		}
		h.feed.PublishQuote(domain.Quote{
			Symbol:  symbol,
			Bid:     bids[0].Price,
			BidSize: bids[0].Size,
			Ask:     asks[0].Price,
			AskSize: asks[0].Size,
		})
		return nil
	}

	book := h.books[symbol]
	if book == nil {
		book = infra.NewLocalBook(VenueName, symbol, bookDepth)
		h.books[symbol] = book
	}
	if msg.Type == "snapshot" {
		book.Reset(bids, asks, d.Update)
	} else {
		book.Apply(bids, asks, d.Update)
	}
	if book.Ready() {
		h.feed.PublishBook(book.Snapshot(h.feed.Now()))
	}
	return nil
}
