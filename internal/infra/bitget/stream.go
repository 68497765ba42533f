package bitget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

// StreamHandler handles the Bitget v2 public spot stream (ticker + books5).
// Keepalive is a plain "ping" text frame answered by "pong".
type StreamHandler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	signer  *infra.Signer
	logger  *slog.Logger
}

// NewStreamHandler factory
func NewStreamHandler(cfg infra.VenueConfig, sink domain.MarketSink) *StreamHandler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	h := &StreamHandler{
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
	if cfg.Credentials.Present() {
		h.signer = infra.NewSigner(cfg.Credentials)
	}
	return h
}

// New returns the Bitget market data adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewStreamHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *StreamHandler) Venue() string { return VenueName }

func (h *StreamHandler) URL(ctx context.Context) (string, error) { return h.url, nil }

func (h *StreamHandler) Ping(ctx context.Context, s *infra.Session) error { return s.WriteText("ping") }

func (h *StreamHandler) OnConnect(ctx context.Context, s *infra.Session) error {
	if h.signer != nil {
		if err := h.login(s); err != nil {
			return err
		}
	}

	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, h.symbols.Natives(), h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		args := make([]subscribeArg, 0, 2*len(chunk))
		for _, id := range chunk {
			args = append(args,
				subscribeArg{InstType: instTypeSpot, Channel: "ticker", InstId: id},
				subscribeArg{InstType: instTypeSpot, Channel: "books5", InstId: id},
			)
		}
		return s.WriteJSON(subscribeRequest{Op: "subscribe", Args: args})
	})
}

// login authenticates the session; the ack must arrive before subscribing.
func (h *StreamHandler) login(s *infra.Session) error {
	if err := s.WriteJSON(loginRequest{Op: "login", Args: []infra.LoginArg{h.signer.WSLogin(verifyPath)}}); err != nil {
		return err
	}
	_, data, err := s.ReadFrame(10 * time.Second)
	if err != nil {
		return domain.NewNetworkError("login", err)
	}
	var ack pushMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("login ack: %w", err)
	}
	if ack.Event != "login" || ack.Code.String() != "0" {
		return &domain.ProtocolError{Venue: VenueName, Code: ack.Code.String(), Msg: ack.Msg}
	}
	h.logger.Info("Bitget WS login ok")
	return nil
}

func (h *StreamHandler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	if string(data) == "pong" {
		return nil
	}

	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if msg.Event == "error" {
		return &domain.ProtocolError{Venue: VenueName, Code: msg.Code.String(), Msg: msg.Msg}
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return nil
	}

	symbol, ok := h.symbols.Canonical(msg.Arg.InstId)
	if !ok {
		return nil
	}

	switch msg.Arg.Channel {
	case "ticker":
		var rows []tickerData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			h.logger.Debug("Bad ticker payload", slog.Any("error", err))
			return nil
		}
		for _, t := range rows {
			h.feed.Quote(symbol, t.BidPr, t.BidSz, t.AskPr, t.AskSz)
		}
	case "books5":
		var rows []bookData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			h.logger.Debug("Bad book payload", slog.Any("error", err))
			return nil
		}
		for _, b := range rows {
			var seq uint64
			if b.Seq > 0 {
				seq = uint64(b.Seq)
			}
			h.feed.Book(symbol, infra.ParseLevels(b.Bids), infra.ParseLevels(b.Asks), seq)
		}
	}
	return nil
}
