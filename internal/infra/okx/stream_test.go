package okx

import (
	"context"
	"testing"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/service"

	"github.com/gorilla/websocket"
)

func TestHandler_Decode(t *testing.T) {
	store := service.NewMarketStore(nil)
	h := NewHandler(infra.VenueConfig{Symbols: []string{"BTC/USDT", "ETH/BTC"}}, store)
	if h.signer != nil {
		t.Fatal("no signer expected without credentials")
	}

	frames := []string{
		`pong`,
		`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"},"connId":"a"}`,
		`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instType":"SPOT","instId":"BTC-USDT","last":"50000","bidPx":"49999.9","bidSz":"0.3","askPx":"50000.1","askSz":"0.4","ts":"1700000000000"}]}`,
		`{"arg":{"channel":"books5","instId":"ETH-BTC"},"data":[{"asks":[["0.0601","5","0","2"]],"bids":[["0.06","3","0","1"],["0.0599","8","0","4"]],"instId":"ETH-BTC","ts":"1700000000000","seqId":123}]}`,
	}
	for _, f := range frames {
		if err := h.OnMessage(context.Background(), nil, websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("OnMessage(%s) failed: %v", f, err)
		}
	}

	q, ok := store.Quote("BTC/USDT", VenueName)
	if !ok || q.Bid.String() != "49999.9" || q.Ask.String() != "50000.1" || q.BidSize.String() != "0.3" {
		t.Errorf("unexpected quote %+v (ok=%v)", q, ok)
	}
	b, ok := store.Book("ETH/BTC", VenueName)
	if !ok || len(b.Bids) != 2 || b.Sequence != 123 || b.Asks[0].Size.String() != "5" {
		t.Errorf("unexpected book %+v (ok=%v)", b, ok)
	}
}

func TestHandler_ErrorEvent(t *testing.T) {
	h := NewHandler(infra.VenueConfig{Symbols: []string{"BTC/USDT"}}, service.NewMarketStore(nil))
	err := h.OnMessage(context.Background(), nil, websocket.TextMessage,
		[]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	if !domain.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestHandler_SignerWithCredentials(t *testing.T) {
	cfg := infra.VenueConfig{Credentials: infra.Credentials{AccessKey: "k", SecretKey: "s", Passphrase: "p"}}
	h := NewHandler(cfg, service.NewMarketStore(nil))
	if h.signer == nil {
		t.Fatal("expected signer when credentials are present")
	}
	if arg := h.signer.WSLogin(verifyPath); arg.APIKey != "k" || arg.Sign == "" {
		t.Errorf("unexpected login arg %+v", arg)
	}
}
