package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusActive          OrderStatus = "active"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusTimeStopped     OrderStatus = "time_stopped"
	StatusTimeStopFailed  OrderStatus = "time_stop_failed"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusTimeStopped, StatusTimeStopFailed:
		return true
	}
	return false
}

// TakeProfitRung is one step of the take-profit ladder.
type TakeProfitRung struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	RMultiple decimal.Decimal `json:"r_multiple"`
	OrderID   string          `json:"order_id,omitempty"`
	Filled    decimal.Decimal `json:"filled"`
}

func (r TakeProfitRung) Done() bool {
	return r.Quantity.IsPositive() && r.Filled.GreaterThanOrEqual(r.Quantity)
}

// BracketOrder is an entry with its protective stop and take-profit ladder.
// Long: StopLoss < Entry < TakeProfits[0] < ... ; short mirrors it.
type BracketOrder struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Entry       decimal.Decimal  `json:"entry"`
	Quantity    decimal.Decimal  `json:"quantity"`
	StopLoss    decimal.Decimal  `json:"stop_loss"`
	InitialStop decimal.Decimal  `json:"initial_stop"`
	RiskUnit    decimal.Decimal  `json:"risk_unit"`
	TakeProfits []TakeProfitRung `json:"take_profits"`
	Strategy    string           `json:"strategy"`
	Status      OrderStatus      `json:"status"`
	StopOrderID string           `json:"stop_order_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (b *BracketOrder) TakeProfitPrices() []decimal.Decimal {
	out := make([]decimal.Decimal, len(b.TakeProfits))
	for i, r := range b.TakeProfits {
		out[i] = r.Price
	}
	return out
}

// OpenQuantity is the size not yet closed by take-profit fills.
func (b *BracketOrder) OpenQuantity() decimal.Decimal {
	open := b.Quantity
	for _, r := range b.TakeProfits {
		open = open.Sub(r.Filled)
	}
	if open.IsNegative() {
		return decimal.Zero
	}
	return open
}
