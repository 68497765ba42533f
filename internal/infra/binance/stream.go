package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName    = "binance"
	defaultWSURL = "wss://stream.binance.com:9443/stream"
)

// Handler speaks the Binance combined-stream protocol: one ticker and one
// partial depth stream per symbol.
type Handler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	reqID   int64
	logger  *slog.Logger
}

// NewHandler creates the stream handler.
func NewHandler(cfg infra.VenueConfig, sink domain.MarketSink) *Handler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	return &Handler{
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "", true)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

// New returns the Binance adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

// Binance pings with control frames and the gorilla default handler answers.
func (h *Handler) Ping(ctx context.Context, s *infra.Session) error { return nil }

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	streams := make([]string, 0, 2*len(h.symbols.Natives()))
	for _, sym := range h.symbols.Natives() {
		streams = append(streams, sym+"@ticker", sym+"@depth5@100ms")
	}
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, streams, h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		h.reqID++
		return s.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: chunk, ID: h.reqID})
	})
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	// Request acks and errors
	ID   *int64 `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tickerData struct {
	Symbol  string `json:"s"`
	Bid     string `json:"b"`
	BidSize string `json:"B"`
	Ask     string `json:"a"`
	AskSize string `json:"A"`
}

type depthData struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if env.Code != 0 {
		return &domain.ProtocolError{Venue: VenueName, Code: strconv.Itoa(env.Code), Msg: env.Msg}
	}
	if env.Stream == "" {
		return nil // subscription ack
	}

	native, kind, ok := strings.Cut(env.Stream, "@")
	if !ok {
		return nil
	}
	symbol, ok := h.symbols.Canonical(native)
	if !ok {
		return nil
	}

	switch {
	case kind == "ticker":
		var t tickerData
		if err := json.Unmarshal(env.Data, &t); err != nil {
			h.logger.Debug("Bad ticker payload", slog.Any("error", err))
			return nil
		}
		h.feed.Quote(symbol, t.Bid, t.BidSize, t.Ask, t.AskSize)
	case strings.HasPrefix(kind, "depth"):
		var d depthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			h.logger.Debug("Bad depth payload", slog.Any("error", err))
			return nil
		}
		h.feed.Book(symbol, infra.ParseLevels(d.Bids), infra.ParseLevels(d.Asks), d.LastUpdateID)
	}
	return nil
}
