package gate

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
	h := NewHandler(infra.VenueConfig{Symbols: []string{"BTC/USDT", "ETH/USDT"}}, store)

	frames := []string{
		`{"time":1,"channel":"spot.book_ticker","event":"subscribe","result":{"status":"success"}}`,
		`{"time":1,"channel":"spot.pong","event":"","result":null}`,
		`{"time":1,"time_ms":1,"channel":"spot.book_ticker","event":"update","result":{"t":1,"u":2,"s":"BTC_USDT","b":"50000","B":"0.4","a":"50000.5","A":"0.6"}}`,
		`{"time":1,"channel":"spot.order_book","event":"all","result":{"t":1,"lastUpdateId":900,"s":"ETH_USDT","bids":[["3000","1"],["2999","2"]],"asks":[["3001","3"]]}}`,
	}
	for _, f := range frames {
		if err := h.OnMessage(context.Background(), nil, websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("OnMessage(%s) failed: %v", f, err)
		}
	}

	q, ok := store.Quote("BTC/USDT", VenueName)
	if !ok || q.Ask.String() != "50000.5" || q.BidSize.String() != "0.4" {
		t.Errorf("unexpected quote %+v (ok=%v)", q, ok)
	}
	b, ok := store.Book("ETH/USDT", VenueName)
	if !ok || len(b.Bids) != 2 || b.Sequence != 900 {
		t.Errorf("unexpected book %+v (ok=%v)", b, ok)
	}
}

func TestHandler_SubscribeError(t *testing.T) {
	h := NewHandler(infra.VenueConfig{Symbols: []string{"BTC/USDT"}}, service.NewMarketStore(nil))
	err := h.OnMessage(context.Background(), nil, websocket.TextMessage,
		[]byte(`{"time":1,"channel":"spot.order_book","event":"subscribe","error":{"code":2,"message":"unknown currency pair"},"result":null}`))
	if !domain.IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
