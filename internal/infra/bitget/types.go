package bitget

import (
	"encoding/json"

	"crypto_arb/internal/infra"
)

const (
	VenueName      = "bitget"
	defaultWSURL   = "wss://ws.bitget.com/v2/ws/public"
	defaultRestURL = "https://api.bitget.com"
	instTypeSpot   = "SPOT"
	verifyPath     = "/user/verify"
	successCode    = "00000"
)

// subscribeRequest Structure
type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

type loginRequest struct {
	Op   string           `json:"op"`
	Args []infra.LoginArg `json:"args"`
}

// pushMessage covers data pushes and events (subscribe, login, error).
type pushMessage struct {
	Event  string          `json:"event"`
	Code   json.Number     `json:"code"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"` // snapshot | update
	Arg    subscribeArg    `json:"arg"`
	Data   json.RawMessage `json:"data"`
	Ts     int64           `json:"ts"`
}

type tickerData struct {
	InstId string `json:"instId"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	BidSz  string `json:"bidSz"`
	AskPr  string `json:"askPr"`
	AskSz  string `json:"askSz"`
}

type bookData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Seq  int64      `json:"seq"`
	Ts   string     `json:"ts"`
}

// REST envelopes

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`      // buy, sell
	OrderType     string `json:"orderType"` // limit, market
	Force         string `json:"force"`     // gtc, ioc
	Price         string `json:"price,omitempty"`
	Size          string `json:"size"`
	ClientOrderId string `json:"clientOid"`
}

type placeOrderResult struct {
	OrderId       string `json:"orderId"`
	ClientOrderId string `json:"clientOid"`
}

type orderInfo struct {
	OrderId     string `json:"orderId"`
	Status      string `json:"status"` // live, partially_filled, filled, cancelled
	Size        string `json:"size"`
	PriceAvg    string `json:"priceAvg"`
	BaseVolume  string `json:"baseVolume"`
	QuoteVolume string `json:"quoteVolume"`
}

type assetInfo struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
}
