package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName    = "okx"
	defaultWSURL = "wss://ws.okx.com:8443/ws/v5/public"
	verifyPath   = "/users/self/verify"
)

// Handler streams OKX v5 public tickers and books5. When credentials are
// configured the session logs in first.
type Handler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	signer  *infra.Signer
	logger  *slog.Logger
}

func NewHandler(cfg infra.VenueConfig, sink domain.MarketSink) *Handler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	h := &Handler{
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "-", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
	if cfg.Credentials.Present() {
		h.signer = infra.NewSigner(cfg.Credentials)
	}
	return h
}

// New returns the OKX adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

func (h *Handler) URL(ctx context.Context) (string, error) { return h.url, nil }

func (h *Handler) Ping(ctx context.Context, s *infra.Session) error { return s.WriteText("ping") }

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args any    `json:"args"`
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	if h.signer != nil {
		if err := h.login(s); err != nil {
			return err
		}
	}

	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, h.symbols.Natives(), h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		args := make([]arg, 0, 2*len(chunk))
		for _, id := range chunk {
			args = append(args, arg{Channel: "tickers", InstID: id}, arg{Channel: "books5", InstID: id})
		}
		return s.WriteJSON(request{Op: "subscribe", Args: args})
	})
}

func (h *Handler) login(s *infra.Session) error {
	if err := s.WriteJSON(request{Op: "login", Args: []infra.LoginArg{h.signer.WSLogin(verifyPath)}}); err != nil {
		return err
	}
	_, data, err := s.ReadFrame(10 * time.Second)
	if err != nil {
		return domain.NewNetworkError("login", err)
	}
	var ack event
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("login ack: %w", err)
	}
	if ack.Event != "login" || ack.Code != "0" {
		return &domain.ProtocolError{Venue: VenueName, Code: ack.Code, Msg: ack.Msg}
	}
	h.logger.Info("WS login ok")
	return nil
}

type event struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   arg             `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type tickerData struct {
	InstID string `json:"instId"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
}

type bookData struct {
	Bids  [][]string `json:"bids"`
	Asks  [][]string `json:"asks"`
	SeqID int64      `json:"seqId"`
	Ts    string     `json:"ts"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	if string(data) == "pong" {
		return nil
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	if ev.Event == "error" {
		return &domain.ProtocolError{Venue: VenueName, Code: ev.Code, Msg: ev.Msg}
	}
	if ev.Event != "" || len(ev.Data) == 0 {
		return nil
	}
	symbol, ok := h.symbols.Canonical(ev.Arg.InstID)
	if !ok {
		return nil
	}

	switch ev.Arg.Channel {
	case "tickers":
		var rows []tickerData
		if err := json.Unmarshal(ev.Data, &rows); err != nil {
			h.logger.Debug("Bad ticker payload", slog.Any("error", err))
			return nil
		}
		for _, t := range rows {
			h.feed.Quote(symbol, t.BidPx, t.BidSz, t.AskPx, t.AskSz)
		}
	case "books5":
		var rows []bookData
		if err := json.Unmarshal(ev.Data, &rows); err != nil {
			h.logger.Debug("Bad book payload", slog.Any("error", err))
			return nil
		}
		for _, b := range rows {
			var seq uint64
			if b.SeqID > 0 {
				seq = uint64(b.SeqID)
			}
			h.feed.Book(symbol, infra.ParseLevels(b.Bids), infra.ParseLevels(b.Asks), seq)
		}
	}
	return nil
}
