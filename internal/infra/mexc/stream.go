package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	defaultWSURL = "wss://wbs-api.mexc.com/ws"
	// A connection carries at most 30 subscriptions.
	maxSubscriptions = 30

	bookTickerTopic = "spot@public.aggre.bookTicker.v3.api.pb@100ms@"
	depthTopic      = "spot@public.limit.depth.v3.api.pb@"
)

// PushDataV3ApiWrapper field numbers.
const (
	fieldChannel         protowire.Number = 1
	fieldSymbol          protowire.Number = 3
	fieldSendTime        protowire.Number = 6
	fieldLimitDepths     protowire.Number = 303
	fieldAggreBookTicker protowire.Number = 315
)

// StreamHandler consumes the MEXC v3 protobuf push stream. Control replies
// (acks, PONG) arrive as JSON text frames; data arrives as binary frames.
type StreamHandler struct {
	cfg     infra.VenueConfig
	url     string
	symbols *infra.SymbolMap
	feed    *infra.Feed
	logger  *slog.Logger
}

func NewStreamHandler(cfg infra.VenueConfig, sink domain.MarketSink) *StreamHandler {
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	// Two topics per symbol.
	limit := cfg.MaxSymbols
	if limit <= 0 || limit > maxSubscriptions/2 {
		limit = maxSubscriptions / 2
	}
	return &StreamHandler{
		cfg: cfg,
		url: url,
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, limit), func(s string) string {
			return domain.JoinSymbol(s, "", false)
		}),
		feed:   infra.NewFeed(VenueName, sink),
		logger: slog.Default().With(slog.String("module", "ws"), slog.String("venue", VenueName)),
	}
}

func (h *StreamHandler) Venue() string { return VenueName }

func (h *StreamHandler) URL(ctx context.Context) (string, error) { return h.url, nil }

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

func (h *StreamHandler) Ping(ctx context.Context, s *infra.Session) error {
	return s.WriteJSON(request{Method: "PING"})
}

func (h *StreamHandler) OnConnect(ctx context.Context, s *infra.Session) error {
	topics := make([]string, 0, 2*len(h.symbols.Natives()))
	for _, sym := range h.symbols.Natives() {
		topics = append(topics, bookTickerTopic+sym, depthTopic+sym+"@5")
	}
	limiter := infra.NewIntervalLimiter(h.cfg.SubscribeDelay.D())
	return infra.SubscribeInBatches(ctx, topics, h.cfg.SubscribeBatch, limiter, func(chunk []string) error {
		return s.WriteJSON(request{Method: "SUBSCRIPTION", Params: chunk})
	})
}

type controlReply struct {
	ID   int    `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (h *StreamHandler) OnMessage(ctx context.Context, s *infra.Session, msgType int, data []byte) error {
	if msgType == websocket.TextMessage {
		var reply controlReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil
		}
		if reply.Code != 0 {
			return &domain.ProtocolError{Venue: VenueName, Code: strconv.Itoa(reply.Code), Msg: reply.Msg}
		}
		// Rejected topics come back as a "Not Subscribed successfully!" message with code 0.
		if strings.Contains(reply.Msg, "Not Subscribed") {
			return &domain.ProtocolError{Venue: VenueName, Code: "subscribe", Msg: reply.Msg}
		}
		return nil
	}

	push, err := DecodePush(data)
	if err != nil {
		h.logger.Debug("Undecodable push", slog.Any("error", err))
		return nil
	}
	symbol, ok := h.symbols.Canonical(push.Symbol)
	if !ok {
		return nil
	}
	switch {
	case push.BookTicker != nil:
		t := push.BookTicker
		h.feed.Quote(symbol, t.BidPrice, t.BidQuantity, t.AskPrice, t.AskQuantity)
	case push.Depth != nil:
		version, _ := strconv.ParseUint(push.Depth.Version, 10, 64)
		h.feed.Book(symbol, push.Depth.Bids, push.Depth.Asks, version)
	}
	return nil
}

// Push is the decoded subset of a PushDataV3ApiWrapper.
type Push struct {
	Channel    string
	Symbol     string
	SendTime   int64
	BookTicker *BookTicker
	Depth      *Depth
}

// BookTicker is PublicAggreBookTickerV3Api.
type BookTicker struct {
	BidPrice    string
	BidQuantity string
	AskPrice    string
	AskQuantity string
}

// Depth is PublicLimitDepthsV3Api.
type Depth struct {
	Asks    []domain.Level
	Bids    []domain.Level
	Version string
}

var errTruncated = errors.New("truncated protobuf frame")

// DecodePush parses a wrapper frame, skipping fields it does not know.
func DecodePush(b []byte) (*Push, error) {
	p := &Push{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldChannel && typ == protowire.BytesType:
			p.Channel = string(v)
		case num == fieldSymbol && typ == protowire.BytesType:
			p.Symbol = string(v)
		case num == fieldSendTime && typ == protowire.VarintType:
			p.SendTime = int64(n)
		case num == fieldAggreBookTicker && typ == protowire.BytesType:
			t, err := decodeBookTicker(v)
			if err != nil {
				return err
			}
			p.BookTicker = t
		case num == fieldLimitDepths && typ == protowire.BytesType:
			d, err := decodeDepth(v)
			if err != nil {
				return err
			}
			p.Depth = d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeBookTicker(b []byte) (*BookTicker, error) {
	t := &BookTicker{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			t.BidPrice = string(v)
		case 2:
			t.BidQuantity = string(v)
		case 3:
			t.AskPrice = string(v)
		case 4:
			t.AskQuantity = string(v)
		}
		return nil
	})
	return t, err
}

func decodeDepth(b []byte) (*Depth, error) {
	d := &Depth{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1, 2:
			level, err := decodeLevel(v)
			if err != nil {
				return err
			}
			if num == 1 {
				d.Asks = append(d.Asks, level...)
			} else {
				d.Bids = append(d.Bids, level...)
			}
		case 4:
			d.Version = string(v)
		}
		return nil
	})
	return d, err
}

// decodeLevel returns zero or one level; malformed prices are skipped.
func decodeLevel(b []byte) ([]domain.Level, error) {
	var price, qty string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ == protowire.BytesType {
			switch num {
			case 1:
				price = string(v)
			case 2:
				qty = string(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infra.ParseLevels([][]string{{price, qty}}), nil
}

// walkFields iterates top-level fields. For bytes fields v is the payload;
// for varints n is the value. Other wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
