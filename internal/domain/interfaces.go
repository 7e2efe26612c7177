package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketData is the read side of the venue.
type MarketData interface {
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	// GetATR reports false when no ATR is available for the symbol.
	GetATR(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// OrderVenue is the execution side of the venue.
type OrderVenue interface {
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CheckFill(ctx context.Context, orderID string) (bool, error)
	GetAccount(ctx context.Context) (Account, error)
}

// PortfolioReader loads committed portfolio state for a session.
type PortfolioReader interface {
	GetPositions(ctx context.Context, session string) (map[string]Position, error)
	SnapshotAllLotbooks(ctx context.Context, session string) (map[string][]Lot, error)
	GetLatestCashEquity(ctx context.Context, session string) (CashEquity, bool, error)
}

// PortfolioWriter mutates committed portfolio state. It is only handed out
// inside PortfolioRepository.WithinTx.
type PortfolioWriter interface {
	SavePosition(ctx context.Context, session string, pos Position) error
	RemovePosition(ctx context.Context, session, symbol string) error
	SetLotbook(ctx context.Context, session, symbol string, lots []Lot) error
	SaveCashEquity(ctx context.Context, session string, ce CashEquity) error
	SaveFill(ctx context.Context, session string, fill Fill) error
}

// PortfolioRepository persists portfolio state. WithinTx applies every write
// made through the writer atomically, or none of them.
type PortfolioRepository interface {
	PortfolioReader
	WithinTx(ctx context.Context, fn func(w PortfolioWriter) error) error
}
