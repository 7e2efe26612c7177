package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

type stubMarket struct {
	marks map[string]decimal.Decimal
}

func (m *stubMarket) GetSymbolInfo(_ context.Context, symbol string) (domain.SymbolInfo, error) {
	return domain.SymbolInfo{Symbol: symbol, StepSize: d("0.001"), PriceTick: d("0.1")}, nil
}

func (m *stubMarket) GetATR(context.Context, string) (decimal.Decimal, bool, error) {
	return d("100"), true, nil
}

func (m *stubMarket) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	v, ok := m.marks[symbol]
	return v, ok, nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPaperVenue_Fills(t *testing.T) {
	tests := []struct {
		name     string
		req      domain.OrderRequest
		mark     string
		wantFill bool
	}{
		{"market fills at once", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket}, "50000", true},
		{"buy limit below mark rests", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: d("49900")}, "50000", false},
		{"buy limit fills when mark trades down", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: d("49900")}, "49900", true},
		{"sell target fills at price", domain.OrderRequest{Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Price: d("50100")}, "50100.5", true},
		{"sell stop waits above trigger", domain.OrderRequest{Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Price: d("49500")}, "49600", false},
		{"sell stop fires through trigger", domain.OrderRequest{Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Price: d("49500")}, "49400", true},
		{"buy stop fires on the way up", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeStopMarket, Price: d("50500")}, "50500", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			market := &stubMarket{marks: map[string]decimal.Decimal{"BTCUSDT": d("50000")}}
			venue := NewPaperVenue(market, nil)

			req := tt.req
			req.Symbol = "BTCUSDT"
			req.Quantity = d("0.01")
			id, err := venue.CreateOrder(ctx, req)
			require.NoError(t, err)

			market.marks["BTCUSDT"] = d(tt.mark)
			filled, err := venue.CheckFill(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFill, filled)
		})
	}
}

func TestPaperVenue_PostOnlyRejectedWhenCrossing(t *testing.T) {
	ctx := context.Background()
	market := &stubMarket{marks: map[string]decimal.Decimal{"BTCUSDT": d("50000")}}
	venue := NewPaperVenue(market, nil)

	_, err := venue.CreateOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimitMaker, Quantity: d("0.01"), Price: d("50010")})
	require.Error(t, err)

	id, err := venue.CreateOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimitMaker, Quantity: d("0.01"), Price: d("50000")})
	require.NoError(t, err)
	filled, err := venue.CheckFill(ctx, id)
	require.NoError(t, err)
	assert.True(t, filled, "a post-only at the mark rests and fills")
}

func TestPaperVenue_Cancel(t *testing.T) {
	ctx := context.Background()
	market := &stubMarket{marks: map[string]decimal.Decimal{"BTCUSDT": d("50000")}}
	venue := NewPaperVenue(market, nil)

	resting, err := venue.CreateOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: d("0.01"), Price: d("51000")})
	require.NoError(t, err)
	ok, err := venue.CancelOrder(ctx, resting)
	require.NoError(t, err)
	assert.True(t, ok)

	market.marks["BTCUSDT"] = d("52000")
	filled, err := venue.CheckFill(ctx, resting)
	require.NoError(t, err)
	assert.False(t, filled, "cancelled orders never fill")

	done, err := venue.CreateOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: d("0.01")})
	require.NoError(t, err)
	ok, err = venue.CancelOrder(ctx, done)
	require.NoError(t, err)
	assert.False(t, ok, "a filled order cannot be cancelled")

	_, err = venue.CancelOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
