package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

type paperOrder struct {
	req       domain.OrderRequest
	filled    bool
	cancelled bool
}

// PaperVenue simulates execution against live marks from a MarketData
// source. Market orders fill on submission; limits fill once the mark
// trades through their price; stops fill once the mark crosses the trigger.
type PaperVenue struct {
	market domain.MarketData
	logger *zap.Logger

	mu     sync.Mutex
	orders map[string]*paperOrder
}

func NewPaperVenue(market domain.MarketData, logger *zap.Logger) *PaperVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperVenue{
		market: market,
		logger: logger,
		orders: make(map[string]*paperOrder),
	}
}

func (p *PaperVenue) GetSymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	return p.market.GetSymbolInfo(ctx, symbol)
}

func (p *PaperVenue) GetATR(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	return p.market.GetATR(ctx, symbol)
}

func (p *PaperVenue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	return p.market.GetMarkPrice(ctx, symbol)
}

func (p *PaperVenue) CreateOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if !req.Quantity.IsPositive() {
		return "", fmt.Errorf("paper order %s: quantity %s must be positive", req.Symbol, req.Quantity)
	}
	o := &paperOrder{req: req}
	switch req.Type {
	case domain.OrderTypeMarket:
		o.filled = true
	case domain.OrderTypeLimitMaker:
		mark, ok, err := p.market.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return "", err
		}
		// post-only orders that would take liquidity are rejected
		if ok && !mark.Equal(req.Price) && crosses(req.Side, mark, req.Price) {
			return "", fmt.Errorf("paper order %s: post-only %s at %s would cross mark %s", req.Symbol, req.Side, req.Price, mark)
		}
	case domain.OrderTypeLimit, domain.OrderTypeStopMarket:
	default:
		return "", fmt.Errorf("paper order %s: unsupported type %q", req.Symbol, req.Type)
	}

	id := "paper-" + uuid.NewString()
	p.mu.Lock()
	p.orders[id] = o
	p.mu.Unlock()

	p.logger.Debug("Paper order accepted",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.String("type", string(req.Type)),
		zap.String("side", string(req.Side)),
		zap.Stringer("price", req.Price))
	return id, nil
}

func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return false, fmt.Errorf("paper order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.filled {
		return false, nil
	}
	o.cancelled = true
	return true, nil
}

func (p *PaperVenue) CheckFill(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("paper order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.filled || o.cancelled {
		filled := o.filled
		p.mu.Unlock()
		return filled, nil
	}
	req := o.req
	p.mu.Unlock()

	mark, ok, err := p.market.GetMarkPrice(ctx, req.Symbol)
	if err != nil || !ok {
		return false, err
	}

	var hit bool
	switch req.Type {
	case domain.OrderTypeLimit, domain.OrderTypeLimitMaker:
		hit = crosses(req.Side, mark, req.Price)
	case domain.OrderTypeStopMarket:
		// a sell stop fires on the way down, a buy stop on the way up
		if req.Side == domain.OrderSideSell {
			hit = mark.LessThanOrEqual(req.Price)
		} else {
			hit = mark.GreaterThanOrEqual(req.Price)
		}
	}
	if !hit {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o.cancelled {
		return false, nil
	}
	o.filled = true
	return true, nil
}

func (p *PaperVenue) GetAccount(context.Context) (domain.Account, error) {
	return domain.Account{TradingEnabled: true, Permissions: []string{"paper"}}, nil
}

// crosses reports whether a limit on side at price is marketable at mark.
func crosses(side domain.OrderSide, mark, price decimal.Decimal) bool {
	if side == domain.OrderSideBuy {
		return mark.LessThanOrEqual(price)
	}
	return mark.GreaterThanOrEqual(price)
}
