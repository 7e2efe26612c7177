package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_risk/internal/money"
)

// SymbolInfo is the exchange step metadata used for quantization.
type SymbolInfo struct {
	Symbol      string          `json:"symbol"`
	MinQty      decimal.Decimal `json:"min_qty"`
	StepSize    decimal.Decimal `json:"step_size"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

func (i SymbolInfo) QuantizeQty(q decimal.Decimal) decimal.Decimal {
	return money.QuantizeDown(q, i.StepSize)
}

func (i SymbolInfo) QuantizePrice(p decimal.Decimal) decimal.Decimal {
	return money.QuantizeNearest(p, i.PriceTick)
}

type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
	Venue     string          `json:"venue"`
}

// Mid returns the bid/ask midpoint, or whichever side is present.
func (t Ticker) Mid() decimal.Decimal {
	switch {
	case t.Bid.IsPositive() && t.Ask.IsPositive():
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	case t.Bid.IsPositive():
		return t.Bid
	default:
		return t.Ask
	}
}

type Account struct {
	Permissions        []string `json:"permissions"`
	TradingEnabled     bool     `json:"trading_enabled"`
	WithdrawalsEnabled bool     `json:"withdrawals_enabled"`
}
