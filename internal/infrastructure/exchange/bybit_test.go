package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

type fakeBybit struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   []map[string]any
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeBybit(t *testing.T) (*fakeBybit, *BybitAdapter) {
	t.Helper()
	f := &fakeBybit{calls: make(map[string]int), handlers: make(map[string]func(http.ResponseWriter, *http.Request))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		if r.Method == http.MethodPost {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			f.bodies = append(f.bodies, body)
		}
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	b.retryWait = time.Millisecond
	return f, b
}

func (f *fakeBybit) on(path string, h func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeBybit) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func okResult(result string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":%s}`, result)
	}
}

func TestBybitAdapter_SymbolInfoIsCached(t *testing.T) {
	f, b := newFakeBybit(t)
	f.on("/v5/market/instruments-info", okResult(`{"list":[{"symbol":"BTCUSDT",
		"lotSizeFilter":{"minOrderQty":"0.001","qtyStep":"0.001","minNotionalValue":"5"},
		"priceFilter":{"tickSize":"0.10"}}]}`))

	for i := 0; i < 2; i++ {
		info, err := b.GetSymbolInfo(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, info.StepSize.Equal(d("0.001")))
		assert.True(t, info.PriceTick.Equal(d("0.1")))
		assert.True(t, info.MinNotional.Equal(d("5")))
	}
	assert.Equal(t, 1, f.count("/v5/market/instruments-info"))
}

func TestBybitAdapter_ATRFromKlines(t *testing.T) {
	f, b := newFakeBybit(t)
	// 15 bars newest first, each with a 100 range around a flat close
	var rows []string
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 14; i >= 0; i-- {
		ts := start.Add(time.Duration(i) * time.Hour).UnixMilli()
		rows = append(rows, fmt.Sprintf(`["%d","50000","50050","49950","50000","10","500000"]`, ts))
	}
	f.on("/v5/market/kline", okResult(`{"list":[`+strings.Join(rows, ",")+`]}`))

	atr, has, err := b.GetATR(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, has)
	assert.True(t, atr.Equal(d("100")), "atr %s", atr)
}

func TestBybitAdapter_ATRNeedsEnoughBars(t *testing.T) {
	f, b := newFakeBybit(t)
	f.on("/v5/market/kline", okResult(`{"list":[["1709251200000","1","2","0.5","1.5","1","1"]]}`))

	_, has, err := b.GetATR(context.Background(), "NEWUSDT")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBybitAdapter_OrderPayloads(t *testing.T) {
	tests := []struct {
		name  string
		req   domain.OrderRequest
		check func(t *testing.T, body map[string]any)
	}{
		{"post only", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeLimitMaker, Price: d("50000.1")}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "Limit", body["orderType"])
			assert.Equal(t, "PostOnly", body["timeInForce"])
			assert.Equal(t, "50000.1", body["price"])
			assert.Equal(t, "Buy", body["side"])
		}},
		{"long stop", domain.OrderRequest{Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Price: d("49500"), ReduceOnly: true}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "Market", body["orderType"])
			assert.Equal(t, "49500", body["triggerPrice"])
			assert.EqualValues(t, 2, body["triggerDirection"])
			assert.Equal(t, true, body["reduceOnly"])
		}},
		{"market", domain.OrderRequest{Side: domain.OrderSideSell, Type: domain.OrderTypeMarket}, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "Market", body["orderType"])
			assert.NotContains(t, body, "price")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, b := newFakeBybit(t)
			f.on("/v5/order/create", okResult(`{"orderId":"o-1","orderLinkId":"x"}`))

			req := tt.req
			req.Symbol = "BTCUSDT"
			req.Quantity = d("0.005")
			req.ClientOrderID = "entry-0123456789abcdef0123456789abcdef0123"
			id, err := b.CreateOrder(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, "o-1", id)

			require.Len(t, f.bodies, 1)
			body := f.bodies[0]
			assert.Equal(t, "0.005", body["qty"])
			assert.Len(t, body["orderLinkId"], 36)
			tt.check(t, body)
		})
	}
}

func TestBybitAdapter_FillAndCancel(t *testing.T) {
	f, b := newFakeBybit(t)
	ctx := context.Background()
	f.on("/v5/order/create", okResult(`{"orderId":"o-1"}`))
	f.on("/v5/order/realtime", okResult(`{"list":[]}`))
	f.on("/v5/order/history", okResult(`{"list":[{"orderId":"o-1","orderStatus":"Filled"}]}`))
	f.on("/v5/order/cancel", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"retCode":110001,"retMsg":"order not exists or too late to cancel","result":{}}`)
	})

	_, err := b.CheckFill(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrNotFound, "unknown orders are refused")

	id, err := b.CreateOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: d("0.01"), Price: d("50000")})
	require.NoError(t, err)

	filled, err := b.CheckFill(ctx, id)
	require.NoError(t, err)
	assert.True(t, filled)

	cancelled, err := b.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled, "the fill won the race")
}

func TestBybitAdapter_RetriesTransientFailures(t *testing.T) {
	f, b := newFakeBybit(t)
	var n int
	f.on("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		n++
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okResult(`{"list":[{"markPrice":"50123.4","lastPrice":"50120"}]}`)(w, r)
	})

	mark, has, err := b.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, has)
	assert.True(t, mark.Equal(d("50123.4")))
	assert.Equal(t, 3, f.count("/v5/market/tickers"))
}

func TestBybitAdapter_APIErrorIsNotRetried(t *testing.T) {
	f, b := newFakeBybit(t)
	f.on("/v5/order/create", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"retCode":110007,"retMsg":"insufficient balance","result":{}}`)
	})

	_, err := b.CreateOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: d("1")})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 110007, apiErr.Code)
	assert.Equal(t, 1, f.count("/v5/order/create"))
}

func TestBybitAdapter_StreamedMarkWins(t *testing.T) {
	f, b := newFakeBybit(t)
	f.on("/v5/market/tickers", okResult(`{"list":[{"markPrice":"1"}]}`))

	var seen []domain.Ticker
	b.OnTicker(func(tk domain.Ticker) { seen = append(seen, tk) })

	now := time.Now().UnixMilli()
	b.handleMessage([]byte(fmt.Sprintf(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":%d,
		"data":{"symbol":"BTCUSDT","bid1Price":"49999.9","ask1Price":"50000.1","markPrice":"50000"}}`, now)))
	// deltas carry only what changed
	b.handleMessage([]byte(fmt.Sprintf(`{"topic":"tickers.BTCUSDT","type":"delta","ts":%d,
		"data":{"symbol":"BTCUSDT","markPrice":"50010"}}`, now)))

	mark, has, err := b.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, has)
	assert.True(t, mark.Equal(d("50010")))
	assert.Zero(t, f.count("/v5/market/tickers"))

	tk, found := b.Ticker("BTCUSDT")
	require.True(t, found)
	assert.True(t, tk.Bid.Equal(d("49999.9")))
	assert.True(t, tk.Mid().Equal(d("50000")))
	assert.Equal(t, "bybit", tk.Venue)
	assert.Len(t, seen, 2)
}
