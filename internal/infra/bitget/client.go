package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	pathPlaceOrder  = "/api/v2/spot/trade/place-order"
	pathCancelOrder = "/api/v2/spot/trade/cancel-order"
	pathOrderInfo   = "/api/v2/spot/trade/orderInfo"
	pathAssets      = "/api/v2/spot/account/assets"

	// Quote amounts of market buys are sent with this many decimals.
	quotePlaces = 6
)

// Client is the Bitget V2 spot REST client used for live trading. It
// implements the order gateway and balance lookups for this venue.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *infra.Signer
	takerFee   decimal.Decimal
	limiter    *infra.RateLimiter
	logger     *slog.Logger
}

// NewClient creates a new Bitget API client from the venue section.
func NewClient(cfg infra.VenueConfig) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = defaultRestURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:   infra.NewSigner(cfg.Credentials),
		takerFee: cfg.TakerFee,
		// Trade endpoints allow 10 req/s per UID.
		limiter: infra.NewRateLimiter(10, 10),
		logger:  slog.Default().With(slog.String("module", "bitget_client")),
	}
}

// PlaceOrder sends the leg as a market or IOC limit order. The leg moves to
// Placed on acceptance; fills arrive through QueryOrder.
func (c *Client) PlaceOrder(ctx context.Context, leg *domain.Leg) error {
	req := placeOrderRequest{
		Symbol:        domain.JoinSymbol(leg.Symbol, "", false),
		Side:          strings.ToLower(string(leg.Side)),
		OrderType:     "limit",
		Force:         "ioc",
		Price:         leg.Price.String(),
		Size:          leg.Amount.String(),
		ClientOrderId: leg.ID,
	}
	if leg.Type == domain.OrderTypeMarket {
		req.OrderType = "market"
		req.Force = "gtc"
		req.Price = ""
		// Market buys are sized in quote currency.
		if leg.Side == domain.SideBuy {
			req.Size = leg.Amount.Mul(leg.Price).Truncate(quotePlaces).String()
		}
	}

	var res placeOrderResult
	if err := c.do(ctx, http.MethodPost, pathPlaceOrder, nil, req, &res); err != nil {
		return &domain.ExecutionError{LegID: leg.ID, Stage: "place", Err: err}
	}
	leg.ExchangeID = res.OrderId
	if err := leg.Transition(domain.OrderStatusPlaced); err != nil {
		return err
	}

	c.logger.Info("Order Placed Successfully",
		slog.String("oid", leg.ID),
		slog.String("exchange_id", res.OrderId),
		slog.String("symbol", leg.Symbol),
		slog.String("side", string(leg.Side)))
	return nil
}

// QueryOrder refreshes fill state from the venue.
func (c *Client) QueryOrder(ctx context.Context, leg *domain.Leg) error {
	q := url.Values{}
	if leg.ExchangeID != "" {
		q.Set("orderId", leg.ExchangeID)
	} else {
		q.Set("clientOid", leg.ID)
	}

	var infos []orderInfo
	if err := c.do(ctx, http.MethodGet, pathOrderInfo, q, nil, &infos); err != nil {
		return &domain.ExecutionError{LegID: leg.ID, Stage: "query", Err: err}
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, leg.ExchangeID)
	}
	return c.apply(leg, infos[0])
}

// apply maps a Bitget order status onto the leg.
func (c *Client) apply(leg *domain.Leg, info orderInfo) error {
	filled := parseDecimal(info.BaseVolume)
	avg := parseDecimal(info.PriceAvg)
	fee := filled.Mul(avg).Mul(c.takerFee)

	if leg.Status == domain.OrderStatusPending {
		if err := leg.Transition(domain.OrderStatusPlaced); err != nil {
			return err
		}
	}
	if filled.IsPositive() && !leg.Status.IsTerminal() {
		if err := leg.ApplyFill(filled, avg, fee); err != nil {
			return err
		}
	}

	switch info.Status {
	case "filled":
		// Quote-sized market buys may land a hair under the requested base amount.
		return leg.Transition(domain.OrderStatusFilled)
	case "cancelled":
		if leg.Status.IsTerminal() {
			return nil
		}
		return leg.Transition(domain.OrderStatusCancelled)
	}
	return nil
}

// CancelOrder requests cancellation of the remainder. The final status is
// picked up by the next QueryOrder.
func (c *Client) CancelOrder(ctx context.Context, leg *domain.Leg) error {
	if leg.Status.IsTerminal() {
		return nil
	}
	body := map[string]string{
		"symbol":  domain.JoinSymbol(leg.Symbol, "", false),
		"orderId": leg.ExchangeID,
	}
	if err := c.do(ctx, http.MethodPost, pathCancelOrder, nil, body, nil); err != nil {
		return &domain.ExecutionError{LegID: leg.ID, Stage: "cancel", Err: err}
	}
	return nil
}

// Balance implements domain.BalanceProvider for this venue.
func (c *Client) Balance(ctx context.Context, venue, asset string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("coin", asset)
	var assets []assetInfo
	if err := c.do(ctx, http.MethodGet, pathAssets, q, nil, &assets); err != nil {
		return decimal.Zero, err
	}
	for _, a := range assets {
		if strings.EqualFold(a.Coin, asset) {
			return parseDecimal(a.Available), nil
		}
	}
	return decimal.Zero, nil
}

// do handles Auth headers, serialization and the Bitget business envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(jsonBytes)
		bodyStr = string(jsonBytes)
	}

	queryStr := query.Encode()
	reqURL := c.baseURL + path
	if queryStr != "" {
		reqURL += "?" + queryStr
	}

	headers := c.signer.GenerateHeaders(method, path, queryStr, bodyStr)
	var resp apiResponse
	if err := infra.DoJSON(ctx, c.httpClient, method, reqURL, bodyReader, headers, &resp); err != nil {
		return err
	}
	if resp.Code != successCode {
		return &domain.ProtocolError{Venue: VenueName, Code: resp.Code, Msg: resp.Msg}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
