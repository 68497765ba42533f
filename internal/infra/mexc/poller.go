package mexc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
)

const (
	VenueName      = "mexc"
	defaultRestURL = "https://api.mexc.com"
	bookTickerPath = "/api/v3/ticker/bookTicker"
	defaultPoll    = time.Second
)

// New returns the MEXC adapter: the protobuf push stream when cfg.Binary is
// set, REST polling of bookTicker otherwise.
func New(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter {
	if cfg.Binary {
		return infra.NewBaseWSWorker(NewStreamHandler(cfg, sink), infra.WSWorkerConfigFrom(cfg), metrics)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = infra.Duration(defaultPoll)
	}
	return infra.NewRESTPoller(VenueName, cfg, metrics, NewPoller(cfg, sink).Fetch)
}

// Poller fetches every book ticker in one request and keeps the configured
// symbols.
type Poller struct {
	url     string
	client  *http.Client
	symbols *infra.SymbolMap
	feed    *infra.Feed
}

func NewPoller(cfg infra.VenueConfig, sink domain.MarketSink) *Poller {
	rest := cfg.RestURL
	if rest == "" {
		rest = defaultRestURL
	}
	return &Poller{
		url:    strings.TrimRight(rest, "/") + bookTickerPath,
		client: infra.NewHTTPClient(),
		symbols: infra.NewSymbolMap(infra.CapSymbols(VenueName, cfg.Symbols, cfg.MaxSymbols), func(s string) string {
			return domain.JoinSymbol(s, "", false)
		}),
		feed: infra.NewFeed(VenueName, sink),
	}
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// Fetch is the infra.FetchFunc of the poller.
func (p *Poller) Fetch(ctx context.Context) error {
	var tickers []bookTicker
	if err := infra.GetJSON(ctx, p.client, p.url, &tickers); err != nil {
		return err
	}
	found := 0
	for _, t := range tickers {
		symbol, ok := p.symbols.Canonical(t.Symbol)
		if !ok {
			continue
		}
		found++
		p.feed.Quote(symbol, t.BidPrice, t.BidQty, t.AskPrice, t.AskQty)
	}
	if found == 0 && len(p.symbols.Natives()) > 0 {
		return fmt.Errorf("bookTicker returned none of %d configured symbols", len(p.symbols.Natives()))
	}
	return nil
}
