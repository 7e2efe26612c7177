package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
)

type ExecutionStatus string

const (
	ExecFilled    ExecutionStatus = "filled"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecFailed    ExecutionStatus = "failed"
)

// Execution is the terminal outcome of one routed order.
type Execution struct {
	OrderID string
	Status  ExecutionStatus
	Maker   bool
	// CancelledID is the maker order withdrawn before a taker fallback.
	CancelledID string
	Reason      string
}

func (e Execution) Filled() bool {
	return e.Status == ExecFilled
}

// TradeExecutor routes entries and exits to the venue: post-only first,
// polled until filled or the maker wait expires, then cancelled and
// optionally retried as a market order. Every order it places ends filled,
// cancelled or failed before Execute returns.
type TradeExecutor struct {
	venue   domain.OrderVenue
	cfg     config.ExecutionConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewTradeExecutor(venue domain.OrderVenue, cfg config.ExecutionConfig, logger *zap.Logger) *TradeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.OrdersPerSec > 0 {
		limit = rate.Limit(cfg.OrdersPerSec)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &TradeExecutor{
		venue:   venue,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (e *TradeExecutor) submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("order throttle: %w", err)
	}
	return e.venue.CreateOrder(ctx, req)
}

// Execute runs req to a terminal state. Market requests go straight to the
// venue; anything else is posted as a maker order first.
func (e *TradeExecutor) Execute(ctx context.Context, req domain.OrderRequest) (Execution, error) {
	if req.Type == domain.OrderTypeMarket {
		return e.taker(ctx, req, "")
	}

	maker := req
	maker.Type = domain.OrderTypeLimitMaker
	orderID, err := e.submit(ctx, maker)
	if err != nil {
		if e.cfg.TakerFallback {
			e.logger.Warn("Maker order rejected, taking liquidity",
				zap.String("symbol", req.Symbol),
				zap.Error(err))
			return e.taker(ctx, req, "")
		}
		return Execution{Status: ExecFailed, Reason: "maker_rejected"}, fmt.Errorf("submit maker %s: %w", req.Symbol, err)
	}

	filled, err := e.awaitFill(ctx, orderID)
	if filled {
		return Execution{OrderID: orderID, Status: ExecFilled, Maker: true}, nil
	}
	if err != nil {
		// caller gave up: still leave the order in a known state
		exec, cerr := e.withdraw(context.WithoutCancel(ctx), orderID)
		if exec.Filled() {
			return exec, nil
		}
		return exec, errors.Join(err, cerr)
	}

	exec, err := e.withdraw(ctx, orderID)
	if exec.Filled() || err != nil {
		return exec, err
	}

	if !e.cfg.TakerFallback {
		exec.Reason = "maker_timeout"
		return exec, nil
	}
	e.logger.Info("Maker wait expired, falling back to taker",
		zap.String("symbol", req.Symbol),
		zap.String("cancelled", orderID),
		zap.Duration("waited", e.cfg.MakerWait))
	return e.taker(ctx, req, orderID)
}

// awaitFill polls at the fixed interval until the order fills, the maker
// wait elapses (false, nil) or ctx ends (false, ctx error).
func (e *TradeExecutor) awaitFill(ctx context.Context, orderID string) (bool, error) {
	deadline := time.NewTimer(e.cfg.MakerWait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			filled, err := e.venue.CheckFill(ctx, orderID)
			if err != nil {
				e.logger.Warn("Fill check failed", zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			if filled {
				return true, nil
			}
		}
	}
}

// withdraw cancels a maker order and re-checks it, since a fill can race the
// cancel. An order that is neither confirmed cancelled nor filled is failed.
func (e *TradeExecutor) withdraw(ctx context.Context, orderID string) (Execution, error) {
	cancelled, cerr := e.venue.CancelOrder(ctx, orderID)
	if cancelled && cerr == nil {
		return Execution{OrderID: orderID, Status: ExecCancelled, CancelledID: orderID}, nil
	}

	filled, err := e.venue.CheckFill(ctx, orderID)
	if err == nil && filled {
		return Execution{OrderID: orderID, Status: ExecFilled, Maker: true}, nil
	}

	cause := errors.Join(cerr, err)
	if cause == nil {
		cause = errors.New("cancel not acknowledged")
	}
	e.logger.Error("Maker order in unknown state after cancel",
		zap.String("order_id", orderID),
		zap.Error(cause))
	return Execution{OrderID: orderID, Status: ExecFailed, Reason: "cancel_unconfirmed"},
		fmt.Errorf("order %s neither cancelled nor filled: %w", orderID, cause)
}

func (e *TradeExecutor) taker(ctx context.Context, req domain.OrderRequest, cancelledID string) (Execution, error) {
	market := req
	market.Type = domain.OrderTypeMarket
	market.Price = decimal.Zero
	if cancelledID != "" {
		market.ClientOrderID = req.ClientOrderID + "-mkt"
	}

	orderID, err := e.submit(ctx, market)
	if err != nil {
		return Execution{Status: ExecFailed, CancelledID: cancelledID, Reason: "taker_rejected"},
			fmt.Errorf("submit market %s: %w", req.Symbol, err)
	}
	return Execution{OrderID: orderID, Status: ExecFilled, CancelledID: cancelledID}, nil
}
