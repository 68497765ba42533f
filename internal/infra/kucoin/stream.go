package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"

	"github.com/google/uuid"
)

const (
	VenueName      = "kucoin"
	defaultRestURL = "https://api.kucoin.com"
	bulletPath     = "/api/v1/bullet-public"
	// Topics accept up to 100 comma-separated symbols.
	maxTopicSymbols = 100
)

// Handler streams KuCoin spot tickers and level2Depth5. Every connect first
// obtains a public token from the bullet endpoint; the server address comes
// with it.
type Handler struct {
	cfg     infra.VenueConfig
	restURL string
	client  *http.Client
	symbols *infra.SymbolMap
	feed    *infra.Feed
	logger  *slog.Logger
}

func NewHandler(cfg infra.VenueConfig, sink domain.MarketSink) *Handler {
	rest := cfg.RestURL
	if rest == "" {
		rest = defaultRestURL
	}
	return &Handler{
		cfg:     cfg,
		restURL: strings.TrimRight(rest, "/"),
		client:  infra.NewHTTPClient(),
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "-", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

// New returns the KuCoin adapter.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	return infra.NewBaseWSWorker(NewHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
}

func (h *Handler) Venue() string { return VenueName }

type bulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// URL requests a fresh bullet token. Tokens are single-use per connection.
func (h *Handler) URL(ctx context.Context) (string, error) {
	var resp bulletResponse
	if err := infra.DoJSON(ctx, h.client, http.MethodPost, h.restURL+bulletPath, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("bullet token: %w", err)
	}
	if resp.Code != "200000" || resp.Data.Token == "" || len(resp.Data.InstanceServers) == 0 {
		return "", &domain.ProtocolError{Venue: VenueName, Code: resp.Code, Msg: "bullet-public returned no server"}
	}
	q := url.Values{}
	q.Set("token", resp.Data.Token)
	q.Set("connectId", uuid.NewString())
	return resp.Data.InstanceServers[0].Endpoint + "?" + q.Encode(), nil
}

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    json.Number     `json:"code,omitempty"`
	// Outbound only
	Response bool `json:"response,omitempty"`
}

func (h *Handler) Ping(ctx context.Context, s *infra.Session) error {
	return s.WriteJSON(message{ID: uuid.NewString(), Type: "ping"})
}

func (h *Handler) OnConnect(ctx context.Context, s *infra.Session) error {
	// The server greets before accepting subscriptions.
	_, data, err := s.ReadFrame(10 * time.Second)
	if err != nil {
		return domain.NewNetworkError("welcome", err)
	}
	var welcome message
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != "welcome" {
		return &domain.ProtocolError{Venue: VenueName, Code: "welcome", Msg: string(data)}
	}

	batch := h.cfg.SubscribeBatch
	if batch <= 0 || batch > maxTopicSymbols {
		batch = maxTopicSymbols
	}
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, h.symbols.Natives(), batch, limiter, func(chunk []string) error {
		list := strings.Join(chunk, ",")
		for _, topic := range []string{"/market/ticker:" + list, "/spotMarket/level2Depth5:" + list} {
			if err := s.WriteJSON(message{ID: uuid.NewString(), Type: "subscribe", Topic: topic, Response: true}); err != nil {
				return err
			}
		}
		return nil
	})
}

type tickerData struct {
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	Sequence    string `json:"sequence"`
}

type depthData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

func (h *Handler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("Undecodable frame", slog.Any("error", err))
		return nil
	}
	switch msg.Type {
	case "message":
	case "error":
		return &domain.ProtocolError{Venue: VenueName, Code: msg.Code.String(), Msg: string(msg.Data)}
	default:
		return nil // ack, pong, welcome
	}

	channel, native, ok := strings.Cut(msg.Topic, ":")
	if !ok {
		return nil
	}
	symbol, ok := h.symbols.Canonical(native)
	if !ok {
		return nil
	}

	switch channel {
	case "/market/ticker":
		var t tickerData
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			h.logger.Debug("Bad ticker payload", slog.Any("error", err))
			return nil
		}
		h.feed.Quote(symbol, t.BestBid, t.BestBidSize, t.BestAsk, t.BestAskSize)
	case "/spotMarket/level2Depth5":
		var d depthData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			h.logger.Debug("Bad depth payload", slog.Any("error", err))
			return nil
		}
		h.feed.Book(symbol, infra.ParseLevels(d.Bids), infra.ParseLevels(d.Asks), 0)
	}
	return nil
}
