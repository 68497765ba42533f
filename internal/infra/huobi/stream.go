package huobi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
)

const (
	VenueName    = "huobi"
	defaultWSURL = "wss://api.huobi.pro/ws"
)

// Handler streams HTX (Huobi) best bid/offer and step0 depth. Every frame
// is gzip-compressed and the server drives the ping/pong exchange.
type Handler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
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
			return domain.JoinSymbol(s, "", true)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

// New returns the HTX adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

// Server-driven heartbeat, answered in OnMessage.
func (h *Handler) Ping(ctx context.Context, s *infra.Session) error { return nil }

type subRequest struct {
	Sub string `json:"sub"`
	ID  string `json:"id"`
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	topics := make([]string, 0, 2*len(h.symbols.Natives()))
	for _, sym := range h.symbols.Natives() {
		topics = append(topics, "market."+sym+".bbo", "market."+sym+".depth.step0")
	}
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, topics, h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		// One topic per request.
		for _, topic := range chunk {
			if err := s.WriteJSON(subRequest{Sub: topic, ID: topic}); err != nil {
				return err
			}
		}
		return nil
	})
}

type message struct {
	Ping    int64           `json:"ping"`
	Ch      string          `json:"ch"`
	Tick    json.RawMessage `json:"tick"`
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
}

type bboTick struct {
	Bid     decimal.Decimal `json:"bid"`
	BidSize decimal.Decimal `json:"bidSize"`
	Ask     decimal.Decimal `json:"ask"`
	AskSize decimal.Decimal `json:"askSize"`
	SeqID   uint64          `json:"seqId"`
}

type depthTick struct {
	Bids    [][]decimal.Decimal `json:"bids"`
	Asks    [][]decimal.Decimal `json:"asks"`
	Version uint64              `json:"version"`
}

// Every frame is gzipped; readers are pooled to keep the read loop from
// allocating inflate state per message.
var gzipReaders sync.Pool

// Decompress inflates one gzip frame.
func Decompress(data []byte) ([]byte, error) {
	r, ok := gzipReaders.Get().(*gzip.Reader)
	if ok {
		if err := r.Reset(bytes.NewReader(data)); err != nil {
			gzipReaders.Put(r)
			return nil, err
		}
	} else {
		var err error
		if r, err = gzip.NewReader(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}
	defer gzipReaders.Put(r)
	return io.ReadAll(r)
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	raw, err := Decompress(data)
	if err != nil {
		return domain.NewNetworkError("gunzip", err)
	}

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if msg.Ping != 0 {
		return s.WriteJSON(map[string]int64{"pong": msg.Ping})
	}
	if msg.Status == "error" {
		return &domain.ProtocolError{Venue: VenueName, Code: msg.ErrCode, Msg: msg.ErrMsg}
	}
	if msg.Ch == "" || len(msg.Tick) == 0 {
		return nil
	}

	// market.<symbol>.<channel...>
	parts := strings.SplitN(msg.Ch, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	symbol, ok := h.symbols.Canonical(parts[1])
	if !ok {
		return nil
	}

	switch {
	case parts[2] == "bbo":
		var t bboTick
		if err := json.Unmarshal(msg.Tick, &t); err != nil {
			h.logger.Debug("Bad bbo payload", slog.Any("error", err))
			return nil
		}
		h.feed.PublishQuote(domain.Quote{Symbol: symbol, Bid: t.Bid, BidSize: t.BidSize, Ask: t.Ask, AskSize: t.AskSize})
	case strings.HasPrefix(parts[2], "depth"):
		var t depthTick
		if err := json.Unmarshal(msg.Tick, &t); err != nil {
			h.logger.Debug("Bad depth payload", slog.Any("error", err))
			return nil
		}
		h.feed.Book(symbol, domain.LevelsFromPairs(t.Bids), domain.LevelsFromPairs(t.Asks), t.Version)
	default:
		h.logger.Debug("Unexpected channel", slog.String("ch", msg.Ch))
	}
	return nil
}
