package usecase

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func btcInfo() domain.SymbolInfo {
	return domain.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinQty:      dec("0.001"),
		StepSize:    dec("0.001"),
		PriceTick:   dec("0.1"),
		MinNotional: dec("5"),
	}
}

func TestRiskSizer_ScenarioCapsToMaxNotional(t *testing.T) {
	cfg := config.Default().Risk
	cfg.RiskPerTradePct = dec("0.25")
	cfg.MaxNotionalPct = dec("2.5")
	sizer := NewRiskSizer(cfg, nil)

	res := sizer.Size(SizeRequest{
		Symbol:   "BTCUSDT",
		Entry:    dec("50000"),
		Side:     domain.SideLong,
		Equity:   dec("100000"),
		StopLoss: dec("49000"),
		Info:     btcInfo(),
	})

	require.False(t, res.Rejected(), res.RejectReason)
	assert.True(t, res.RiskAmount.Equal(dec("250")), "risk %s", res.RiskAmount)
	assert.True(t, res.StopDistance.Equal(dec("1000")))
	assert.True(t, res.Quantity.Equal(dec("0.05")), "qty %s", res.Quantity)
	assert.True(t, res.Notional.Equal(dec("2500")))
	assert.Equal(t, CapMaxNotionalPct, res.CapReason)
}

func TestRiskSizer_UncappedRiskQuantity(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxNotionalPct = dec("50")
	sizer := NewRiskSizer(cfg, nil)

	res := sizer.Size(SizeRequest{
		Symbol:   "BTCUSDT",
		Entry:    dec("50000"),
		Equity:   dec("100000"),
		StopLoss: dec("49000"),
		Info:     btcInfo(),
	})

	require.False(t, res.Rejected())
	assert.True(t, res.Quantity.Equal(dec("0.25")), "qty %s", res.Quantity)
	assert.True(t, res.Notional.Equal(dec("12500")))
	assert.Empty(t, res.CapReason)
}

func TestRiskSizer_StopDistanceFallbacks(t *testing.T) {
	cfg := config.Default().Risk
	cfg.StopATRMultiplier = dec("1.5")
	cfg.ATRFallbackPct = dec("2")
	sizer := NewRiskSizer(cfg, nil)

	// explicit stop wins
	assert.True(t, sizer.StopDistance(dec("100"), dec("95"), dec("10")).Equal(dec("5")))
	// ATR: 2/100 * 1.5 * 100 = 3
	assert.True(t, sizer.StopDistance(dec("100"), decimal.Zero, dec("2")).Equal(dec("3")))
	// no ATR: 2% * 1.5 * 100 = 3
	assert.True(t, sizer.StopDistance(dec("100"), decimal.Zero, decimal.Zero).Equal(dec("3")))
}

func TestRiskSizer_CapChainIsMonotonic(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxNotionalPct = dec("10")
	cfg.PerSymbolCapUSD = dec("8000")
	cfg.SessionCapUSD = dec("20000")
	sizer := NewRiskSizer(cfg, nil)

	cases := []struct {
		name       string
		notional   string
		symbolExp  string
		sessionExp string
		wantCap    string
		wantValue  string
	}{
		{"max notional binds first", "50000", "0", "0", CapMaxNotionalPct, "8000"},
		{"symbol cap binds", "9000", "3000", "0", CapSymbol, "5000"},
		{"session cap only", "4000", "0", "17000", CapSession, "3000"},
		{"nothing binds", "1000", "0", "0", "", "1000"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := SizeRequest{
				Equity:          dec("100000"),
				SymbolExposure:  dec(tc.symbolExp),
				SessionExposure: dec(tc.sessionExp),
			}
			in := dec(tc.notional)
			out, capReason, rejectReason := sizer.applyCaps(req, in)
			require.Empty(t, rejectReason)
			assert.True(t, out.LessThanOrEqual(in))
			assert.Equal(t, tc.wantCap, capReason)
			assert.True(t, out.Equal(dec(tc.wantValue)), "got %s", out)
		})
	}
}

func TestRiskSizer_CapExhaustedRejects(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxNotionalPct = dec("50")
	cfg.PerSymbolCapUSD = dec("1000")
	cfg.SessionCapUSD = dec("5000")
	sizer := NewRiskSizer(cfg, nil)

	base := SizeRequest{
		Symbol:   "BTCUSDT",
		Entry:    dec("50000"),
		Equity:   dec("100000"),
		StopLoss: dec("49000"),
		Info:     btcInfo(),
	}

	req := base
	req.SymbolExposure = dec("1000")
	res := sizer.Size(req)
	assert.Equal(t, ReasonSymbolCapExceeded, res.RejectReason)
	assert.True(t, res.Quantity.IsZero())

	req = base
	req.SessionExposure = dec("6000")
	res = sizer.Size(req)
	assert.Equal(t, ReasonSessionCapExceeded, res.RejectReason)
	assert.True(t, res.Quantity.IsZero())
}

func TestRiskSizer_FloorLiftsSmallSizes(t *testing.T) {
	cfg := config.Default().Risk
	cfg.RiskPerTradePct = dec("0.01")
	cfg.MaxNotionalPct = dec("50")
	cfg.MinNotionalUSD = dec("100")
	cfg.ExplorationMinNotional = dec("60")
	sizer := NewRiskSizer(cfg, nil)

	info := domain.SymbolInfo{StepSize: dec("0.01"), MinQty: dec("0.01")}
	req := SizeRequest{
		Symbol:   "SOLUSDT",
		Entry:    dec("150"),
		Equity:   dec("1000"),
		StopLoss: dec("140"),
		Info:     info,
	}
	// risk 0.1 / 10 = 0.01 qty -> 1.5 notional, lifted to >= 100
	res := sizer.Size(req)
	require.False(t, res.Rejected(), res.RejectReason)
	assert.True(t, res.Quantity.Equal(dec("0.67")), "qty %s", res.Quantity)
	assert.True(t, res.Notional.GreaterThanOrEqual(dec("100")))

	req.IsExploration = true
	res = sizer.Size(req)
	require.False(t, res.Rejected())
	assert.True(t, res.Quantity.Equal(dec("0.4")), "qty %s", res.Quantity)
}

func TestRiskSizer_FloorAboveCapRejects(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxNotionalPct = dec("50")
	cfg.PerSymbolCapUSD = dec("50")
	cfg.MinNotionalUSD = dec("100")
	sizer := NewRiskSizer(cfg, nil)

	res := sizer.Size(SizeRequest{
		Symbol:   "SOLUSDT",
		Entry:    dec("150"),
		Equity:   dec("10000"),
		StopLoss: dec("140"),
		Info:     domain.SymbolInfo{StepSize: dec("0.01")},
	})
	assert.Equal(t, ReasonBelowMinNotional, res.RejectReason)
	assert.True(t, res.Quantity.IsZero())
}

func TestRiskSizer_ExchangeValidation(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MinNotionalUSD = decimal.Zero
	cfg.MaxNotionalPct = dec("50")
	sizer := NewRiskSizer(cfg, nil)

	info := domain.SymbolInfo{StepSize: dec("0.001"), MinQty: dec("0.01"), MinNotional: dec("5")}
	res := sizer.Size(SizeRequest{
		Symbol:   "BTCUSDT",
		Entry:    dec("50000"),
		Equity:   dec("1000"),
		StopLoss: dec("49000"),
		Info:     info,
	})
	// 2.5 / 1000 = 0.0025 -> 0.002 < min qty 0.01
	assert.Equal(t, ReasonExchangeMinQty, res.RejectReason)
	assert.True(t, res.Quantity.IsZero())
	assert.True(t, res.Notional.IsZero())
}

func TestRiskSizer_InvalidInputs(t *testing.T) {
	sizer := NewRiskSizer(config.Default().Risk, nil)
	assert.Equal(t, ReasonInvalidEntry, sizer.Size(SizeRequest{Entry: decimal.Zero, Equity: dec("1")}).RejectReason)
	assert.Equal(t, ReasonNoEquity, sizer.Size(SizeRequest{Entry: dec("1"), Equity: decimal.Zero}).RejectReason)
}

func TestKellyFraction(t *testing.T) {
	cfg := config.Default().Risk
	cfg.KellyFraction = dec("0.5")
	cfg.MinKelly = dec("0")
	cfg.MaxKelly = dec("0.2")
	sizer := NewRiskSizer(cfg, nil)

	tests := []struct {
		name  string
		stats TradeStats
		want  string
	}{
		// b = 2, (0.5*2 - 0.5)/2 = 0.25, half Kelly = 0.125
		{"positive edge", TradeStats{WinRate: dec("0.5"), AvgWin: dec("200"), AvgLoss: dec("100")}, "0.125"},
		// b = 3, (0.8*3-0.2)/3 = 0.7333.., half = 0.3666.. -> clamped 0.2
		{"clamped to max", TradeStats{WinRate: dec("0.8"), AvgWin: dec("300"), AvgLoss: dec("100")}, "0.2"},
		// negative edge clamps to min 0
		{"negative edge", TradeStats{WinRate: dec("0.2"), AvgWin: dec("100"), AvgLoss: dec("100")}, "0"},
		{"no losses recorded", TradeStats{WinRate: dec("0.9"), AvgWin: dec("100"), AvgLoss: decimal.Zero}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sizer.KellyFraction(tt.stats)
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestSizeKelly(t *testing.T) {
	cfg := config.Default().Risk
	cfg.KellyFraction = dec("0.5")
	cfg.MaxKelly = dec("0.2")
	cfg.MaxNotionalPct = dec("100")
	sizer := NewRiskSizer(cfg, nil)

	req := SizeRequest{
		Symbol:   "BTCUSDT",
		Entry:    dec("50000"),
		Equity:   dec("10000"),
		StopLoss: dec("49000"),
		Info:     btcInfo(),
	}
	res := sizer.SizeKelly(req, TradeStats{WinRate: dec("0.5"), AvgWin: dec("200"), AvgLoss: dec("100")})
	require.False(t, res.Rejected(), res.RejectReason)
	// 10000 * 0.125 = 1250 notional -> 0.025 BTC
	assert.True(t, res.Quantity.Equal(dec("0.025")), "qty %s", res.Quantity)

	res = sizer.SizeKelly(req, TradeStats{WinRate: dec("0.5"), AvgWin: dec("100"), AvgLoss: decimal.Zero})
	assert.Equal(t, ReasonNoEdge, res.RejectReason)
}
