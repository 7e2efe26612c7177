package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// EntryOrderSide is the order side that opens a position on this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that reduces a position on this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderRequest is what the engine hands to an OrderVenue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price or stop trigger
	ReduceOnly    bool
	Metadata      map[string]string
}

// Fill is an executed quantity reported back by the venue.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Reason   string          `json:"reason"`
	Time     time.Time       `json:"time"`
}

// Position is the committed holding for a symbol. Quantity is signed:
// positive for long, negative for short.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (p Position) Side() Side {
	if p.Quantity.IsNegative() {
		return SideShort
	}
	return SideLong
}

func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Lot is one entry fill still (partly) held. Quantity carries the position sign.
type Lot struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	OpenedAt time.Time       `json:"opened_at"`
}

// CashEquity is a persisted cash/equity checkpoint for a session.
type CashEquity struct {
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	RecordedAt  time.Time       `json:"recorded_at"`
}
