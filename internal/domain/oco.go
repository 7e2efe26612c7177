package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OCOOrder pairs a stop and a target; filling either cancels the other.
type OCOOrder struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Entry             decimal.Decimal `json:"entry"`
	Quantity          decimal.Decimal `json:"quantity"`
	StopLoss          decimal.Decimal `json:"stop_loss"`
	TakeProfit        decimal.Decimal `json:"take_profit"`
	InitialTakeProfit decimal.Decimal `json:"initial_take_profit"`
	EntryATR          decimal.Decimal `json:"entry_atr"`
	TrailingEnabled   bool            `json:"trailing_enabled"`
	TrailAfterATR     decimal.Decimal `json:"trail_after_atr"`
	TrailStepATR      decimal.Decimal `json:"trail_step_atr"`
	HighestPrice      decimal.Decimal `json:"highest_price"`
	LowestPrice       decimal.Decimal `json:"lowest_price"`
	StopOrderID       string          `json:"stop_order_id"`
	TargetOrderID     string          `json:"target_order_id"`
	ExitOrderID       string          `json:"exit_order_id,omitempty"`
	TimeStopAt        time.Time       `json:"time_stop_at"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ClosedAt          time.Time       `json:"closed_at,omitempty"`
}

// OCOLeg names which side of the pair produced an event.
type OCOLeg string

const (
	LegStop     OCOLeg = "stop"
	LegTarget   OCOLeg = "target"
	LegTimeStop OCOLeg = "time_stop"
)

// OCOFillEvent is emitted when one leg fills and the sibling is cancelled.
type OCOFillEvent struct {
	OCOID  string
	Symbol string
	Side   Side
	Leg    OCOLeg
	Price  decimal.Decimal
	Qty    decimal.Decimal
}
