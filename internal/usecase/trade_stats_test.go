package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

func TestAnalyzeFills(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }
	fill := func(m int, sym string, side domain.OrderSide, qty, price, fee string) domain.Fill {
		return domain.Fill{Symbol: sym, Side: side, Quantity: dec(qty), Price: dec(price), Fee: dec(fee), Time: at(m)}
	}

	// newest first, as the journal returns them
	fills := []domain.Fill{
		fill(5, "ETHUSDT", domain.OrderSideBuy, "1", "2900", "0"),
		fill(4, "ETHUSDT", domain.OrderSideSell, "1", "3000", "0"),
		fill(3, "BTCUSDT", domain.OrderSideSell, "0.5", "49000", "0.5"),
		fill(2, "BTCUSDT", domain.OrderSideSell, "0.5", "52000", "0.5"),
		fill(1, "BTCUSDT", domain.OrderSideBuy, "1", "50000", "1"),
	}

	h := AnalyzeFills(fills)
	require.Len(t, h.Symbols, 2)

	btc := h.Symbols[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 2, btc.Trades)
	assert.Equal(t, 1, btc.Wins)
	assert.Equal(t, 1, btc.Losses)
	// +1000 - 0.5 entry - 0.5 exit, then -500 - 0.5 - 0.5
	assert.True(t, btc.NetPnL.Equal(dec("498")), "btc net %s", btc.NetPnL)
	assert.True(t, btc.Fees.Equal(dec("2")))

	eth := h.Symbols[1]
	assert.Equal(t, 1, eth.Trades)
	assert.Equal(t, 1, eth.Wins, "short covered lower")
	assert.True(t, eth.NetPnL.Equal(dec("100")))

	assert.Equal(t, 3, h.Trades)
	assert.True(t, h.Stats.WinRate.Equal(dec("2").Div(dec("3"))))
	assert.True(t, h.Stats.AvgWin.Equal(dec("549.5")), "avg win %s", h.Stats.AvgWin)
	assert.True(t, h.Stats.AvgLoss.Equal(dec("501")), "avg loss %s", h.Stats.AvgLoss)
	assert.True(t, h.NetPnL.Equal(dec("598")))
}

func TestAnalyzeFills_FlipOpensRemainder(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fills := []domain.Fill{
		{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: dec("1"), Price: dec("100"), Time: t0},
		// closes 1 long at +10 and opens 1 short at 110
		{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: dec("2"), Price: dec("110"), Time: t0.Add(time.Minute)},
		{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: dec("1"), Price: dec("115"), Time: t0.Add(2 * time.Minute)},
	}

	h := AnalyzeFills(fills)
	assert.Equal(t, 2, h.Trades)
	assert.Equal(t, 1, h.Wins)
	assert.Equal(t, 1, h.Losses)
	assert.True(t, h.NetPnL.Equal(dec("5")))
}

func TestAnalyzeFills_Empty(t *testing.T) {
	h := AnalyzeFills(nil)
	assert.Zero(t, h.Trades)
	assert.True(t, h.Stats.WinRate.IsZero())
	assert.True(t, h.Stats.AvgLoss.IsZero())
}
