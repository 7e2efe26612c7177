package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

const (
	ReasonNoATR         = "no_atr"
	ReasonInvalidLevels = "invalid_levels"
)

type OCORequest struct {
	Symbol   string
	Side     domain.Side
	Entry    decimal.Decimal
	Quantity decimal.Decimal
	ATR      decimal.Decimal
	Info     domain.SymbolInfo
}

// OCOEngine keeps stop/target pairs for open positions: trailing the target,
// reconciling fills so one leg cancels the other, and exiting on time.
type OCOEngine struct {
	cfg    config.OCOConfig
	venue  domain.OrderVenue
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*domain.OCOOrder
	closed map[string]*domain.OCOOrder
	info   map[string]domain.SymbolInfo
	// withdrawn holds legs already cancelled by a deferred time stop.
	withdrawn map[string]bool
}

func NewOCOEngine(cfg config.OCOConfig, venue domain.OrderVenue, logger *zap.Logger) *OCOEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OCOEngine{
		cfg:    cfg,
		venue:  venue,
		logger: logger,
		now:    time.Now,
		active: make(map[string]*domain.OCOOrder),
		closed: make(map[string]*domain.OCOOrder),
		info:   make(map[string]domain.SymbolInfo),

		withdrawn: make(map[string]bool),
	}
}

// Place derives ATR levels and submits both legs. If the second leg fails
// the first is cancelled and nothing is tracked.
func (e *OCOEngine) Place(ctx context.Context, req OCORequest) (domain.OCOOrder, error) {
	if !req.Entry.IsPositive() {
		return domain.OCOOrder{}, fmt.Errorf("place oco %s: %w", req.Symbol, domain.ErrInvalidEntryPrice)
	}
	if !req.ATR.IsPositive() {
		return domain.OCOOrder{}, domain.Reject(ReasonNoATR, "symbol %s", req.Symbol)
	}
	if !req.Side.Valid() || !req.Quantity.IsPositive() {
		return domain.OCOOrder{}, domain.Reject(ReasonInvalidLevels, "side %q qty %s", req.Side, req.Quantity)
	}

	sign := decimal.NewFromInt(req.Side.Sign())
	stop := req.Info.QuantizePrice(req.Entry.Sub(sign.Mul(e.cfg.SLATR).Mul(req.ATR)))
	target := req.Info.QuantizePrice(req.Entry.Add(sign.Mul(e.cfg.TPATR).Mul(req.ATR)))
	if !stop.IsPositive() || !target.IsPositive() || !OrderedForSide(req.Side, stop, req.Entry, target) {
		return domain.OCOOrder{}, domain.Reject(ReasonInvalidLevels, "stop %s target %s entry %s", stop, target, req.Entry)
	}

	now := e.now()
	o := &domain.OCOOrder{
		ID:                uuid.NewString(),
		Symbol:            req.Symbol,
		Side:              req.Side,
		Entry:             req.Entry,
		Quantity:          req.Quantity,
		StopLoss:          stop,
		TakeProfit:        target,
		InitialTakeProfit: target,
		EntryATR:          req.ATR,
		TrailingEnabled:   e.cfg.TrailingEnabled,
		TrailAfterATR:     e.cfg.TrailAfterATR,
		TrailStepATR:      e.cfg.TrailStepATR,
		HighestPrice:      req.Entry,
		LowestPrice:       req.Entry,
		Status:            domain.StatusPending,
		CreatedAt:         now,
	}
	if e.cfg.TimeStop > 0 {
		o.TimeStopAt = now.Add(e.cfg.TimeStop)
	}

	if e.venue == nil {
		return domain.OCOOrder{}, errors.New("place oco: no order venue configured")
	}

	stopID, err := e.venue.CreateOrder(ctx, e.stopRequest(o))
	if err != nil {
		return domain.OCOOrder{}, fmt.Errorf("place oco %s stop leg: %w", o.Symbol, err)
	}
	targetID, err := e.venue.CreateOrder(ctx, e.targetRequest(o, target))
	if err != nil {
		if _, cerr := e.venue.CancelOrder(ctx, stopID); cerr != nil {
			e.logger.Error("Failed to cancel stop after target rejection",
				zap.String("symbol", o.Symbol),
				zap.String("order_id", stopID),
				zap.Error(cerr))
		}
		return domain.OCOOrder{}, fmt.Errorf("place oco %s target leg: %w", o.Symbol, err)
	}

	o.StopOrderID = stopID
	o.TargetOrderID = targetID
	o.Status = domain.StatusActive

	e.mu.Lock()
	e.active[o.ID] = o
	e.info[o.Symbol] = req.Info
	e.mu.Unlock()

	e.logger.Info("OCO placed",
		zap.String("id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Stringer("entry", o.Entry),
		zap.Stringer("stop", o.StopLoss),
		zap.Stringer("target", o.TakeProfit),
		zap.Time("time_stop_at", o.TimeStopAt))
	return *o, nil
}

func (e *OCOEngine) stopRequest(o *domain.OCOOrder) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: o.ID + "-sl",
		Symbol:        o.Symbol,
		Side:          o.Side.ExitOrderSide(),
		Type:          domain.OrderTypeStopMarket,
		Quantity:      o.Quantity,
		Price:         o.StopLoss,
		ReduceOnly:    true,
		Metadata:      map[string]string{"oco_id": o.ID, "leg": string(domain.LegStop)},
	}
}

func (e *OCOEngine) targetRequest(o *domain.OCOOrder, price decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: o.ID + "-tp-" + uuid.NewString()[:8],
		Symbol:        o.Symbol,
		Side:          o.Side.ExitOrderSide(),
		Type:          domain.OrderTypeLimit,
		Quantity:      o.Quantity,
		Price:         price,
		ReduceOnly:    true,
		Metadata:      map[string]string{"oco_id": o.ID, "leg": string(domain.LegTarget)},
	}
}

// UpdateTrailing tracks the favorable extreme per mark and, once price has
// run trail_after ATR from entry, pulls the target to trail_step ATR behind
// that extreme. The target only moves in the favorable direction. Returns
// the IDs whose target moved.
func (e *OCOEngine) UpdateTrailing(ctx context.Context, marks map[string]decimal.Decimal) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var moved []string
	for _, o := range e.sortedActive() {
		mark, ok := marks[o.Symbol]
		if !ok || !mark.IsPositive() || !o.TrailingEnabled {
			continue
		}

		var extreme decimal.Decimal
		if o.Side == domain.SideShort {
			o.LowestPrice = money.Min(o.LowestPrice, mark)
			extreme = o.LowestPrice
		} else {
			o.HighestPrice = money.Max(o.HighestPrice, mark)
			extreme = o.HighestPrice
		}

		if extreme.Sub(o.Entry).Abs().LessThan(o.TrailAfterATR.Mul(o.EntryATR)) {
			continue
		}

		sign := decimal.NewFromInt(o.Side.Sign())
		candidate := e.info[o.Symbol].QuantizePrice(extreme.Sub(sign.Mul(o.TrailStepATR).Mul(o.EntryATR)))
		improves := candidate.GreaterThan(o.TakeProfit)
		if o.Side == domain.SideShort {
			improves = candidate.LessThan(o.TakeProfit)
		}
		if !improves {
			continue
		}

		if err := e.replaceTarget(ctx, o, candidate); err != nil {
			e.logger.Warn("Trailing target update failed",
				zap.String("id", o.ID),
				zap.Stringer("candidate", candidate),
				zap.Error(err))
			continue
		}
		moved = append(moved, o.ID)
	}
	return moved
}

// replaceTarget places the new target before cancelling the old one. If the
// old target turns out to have filled, the new one is withdrawn and the fill
// is left for CheckFills.
func (e *OCOEngine) replaceTarget(ctx context.Context, o *domain.OCOOrder, price decimal.Decimal) error {
	newID, err := e.venue.CreateOrder(ctx, e.targetRequest(o, price))
	if err != nil {
		return err
	}
	cancelled, err := e.venue.CancelOrder(ctx, o.TargetOrderID)
	if err != nil || !cancelled {
		if _, cerr := e.venue.CancelOrder(ctx, newID); cerr != nil {
			e.logger.Error("Failed to withdraw replacement target",
				zap.String("id", o.ID),
				zap.String("order_id", newID),
				zap.Error(cerr))
		}
		if err == nil {
			err = fmt.Errorf("previous target %s already filled", o.TargetOrderID)
		}
		return err
	}

	e.logger.Info("OCO target trailed",
		zap.String("id", o.ID),
		zap.Stringer("from", o.TakeProfit),
		zap.Stringer("to", price))
	o.TargetOrderID = newID
	o.TakeProfit = price
	return nil
}

// CheckFills polls both legs of every active pair. A filled leg cancels its
// sibling and the pair leaves active tracking for good.
func (e *OCOEngine) CheckFills(ctx context.Context) ([]domain.OCOFillEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		events []domain.OCOFillEvent
		errs   []error
	)
	for _, o := range e.sortedActive() {
		stopFilled, err := e.venue.CheckFill(ctx, o.StopOrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check stop %s: %w", o.ID, err))
			continue
		}
		if stopFilled {
			e.cancelLeg(ctx, o, o.TargetOrderID)
			events = append(events, e.close(o, domain.StatusFilled, domain.LegStop, o.StopLoss))
			continue
		}

		targetFilled, err := e.venue.CheckFill(ctx, o.TargetOrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check target %s: %w", o.ID, err))
			continue
		}
		if targetFilled {
			e.cancelLeg(ctx, o, o.StopOrderID)
			events = append(events, e.close(o, domain.StatusFilled, domain.LegTarget, o.TakeProfit))
		}
	}
	return events, errors.Join(errs...)
}

// HandleTimeStops exits pairs past their deadline. Both legs are cancelled
// first; if either cancel fails the pair stays active and is retried on the
// next call. The exit is a tight limit at the mark, waited on for
// exit_limit_wait and cancelled if unfilled, then a market order. When no
// exit can be confirmed the pair is marked time_stop_failed and returned in
// failed.
func (e *OCOEngine) HandleTimeStops(ctx context.Context, marks map[string]decimal.Decimal) (events []domain.OCOFillEvent, failed []domain.OCOOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, o := range e.sortedActive() {
		if o.TimeStopAt.IsZero() || now.Before(o.TimeStopAt) {
			continue
		}

		// a leg that could not be cancelled because it filled wins
		leg, price, filled, err := e.cancelBoth(ctx, o)
		if filled {
			events = append(events, e.close(o, domain.StatusFilled, leg, price))
			continue
		}
		if err != nil {
			e.logger.Warn("Time stop deferred, OCO leg still working",
				zap.String("id", o.ID),
				zap.String("symbol", o.Symbol),
				zap.Error(err))
			continue
		}

		mark, hasMark := marks[o.Symbol]
		if hasMark && mark.IsPositive() {
			price, filled, err := e.limitExit(ctx, o, mark)
			if filled {
				events = append(events, e.close(o, domain.StatusTimeStopped, domain.LegTimeStop, price))
				continue
			}
			if errors.Is(err, errExitUnconfirmed) {
				// a market order now could close the position twice
				failed = append(failed, e.failTimeStop(o, err))
				continue
			}
			e.logger.Warn("Time-stop limit exit did not fill, falling back to market",
				zap.String("id", o.ID),
				zap.Error(err))
		}

		exitID, err := e.venue.CreateOrder(ctx, domain.OrderRequest{
			ClientOrderID: o.ID + "-ts-market",
			Symbol:        o.Symbol,
			Side:          o.Side.ExitOrderSide(),
			Type:          domain.OrderTypeMarket,
			Quantity:      o.Quantity,
			ReduceOnly:    true,
			Metadata:      map[string]string{"oco_id": o.ID, "leg": string(domain.LegTimeStop)},
		})
		if err != nil {
			failed = append(failed, e.failTimeStop(o, err))
			continue
		}
		o.ExitOrderID = exitID
		exitPrice := mark
		if !hasMark {
			exitPrice = o.Entry
		}
		events = append(events, e.close(o, domain.StatusTimeStopped, domain.LegTimeStop, exitPrice))
	}
	return events, failed
}

var errExitUnconfirmed = errors.New("exit order neither cancelled nor filled")

// limitExit posts a reduce-only limit just through the mark and polls it
// until it fills or exit_limit_wait passes. An unfilled limit is cancelled
// before returning; when the cancel cannot be confirmed the order stays on
// o.ExitOrderID and the error wraps errExitUnconfirmed.
func (e *OCOEngine) limitExit(ctx context.Context, o *domain.OCOOrder, mark decimal.Decimal) (decimal.Decimal, bool, error) {
	offset := money.BpsFactor(e.cfg.ExitLimitOffsetBps, -o.Side.Sign())
	limit := e.info[o.Symbol].QuantizePrice(mark.Mul(offset))
	exitID, err := e.venue.CreateOrder(ctx, domain.OrderRequest{
		ClientOrderID: o.ID + "-ts-limit",
		Symbol:        o.Symbol,
		Side:          o.Side.ExitOrderSide(),
		Type:          domain.OrderTypeLimit,
		Quantity:      o.Quantity,
		Price:         limit,
		ReduceOnly:    true,
		Metadata:      map[string]string{"oco_id": o.ID, "leg": string(domain.LegTimeStop)},
	})
	if err != nil {
		return limit, false, fmt.Errorf("place time-stop limit: %w", err)
	}
	if e.awaitExit(ctx, exitID) {
		o.ExitOrderID = exitID
		return limit, true, nil
	}

	// the caller may have given up; the limit still has to end in a known state
	ctx = context.WithoutCancel(ctx)
	cancelled, cerr := e.venue.CancelOrder(ctx, exitID)
	if cerr == nil && cancelled {
		return limit, false, fmt.Errorf("time-stop limit %s unfilled after %s", exitID, e.cfg.ExitLimitWait)
	}
	filled, ferr := e.venue.CheckFill(ctx, exitID)
	if ferr == nil && filled {
		o.ExitOrderID = exitID
		return limit, true, nil
	}
	o.ExitOrderID = exitID
	cause := errors.Join(cerr, ferr)
	if cause == nil {
		return limit, false, fmt.Errorf("time-stop limit %s: %w", exitID, errExitUnconfirmed)
	}
	return limit, false, fmt.Errorf("time-stop limit %s: %w: %w", exitID, errExitUnconfirmed, cause)
}

// awaitExit checks the order right away and then every exit_poll_interval
// until it fills, the wait runs out or ctx ends.
func (e *OCOEngine) awaitExit(ctx context.Context, orderID string) bool {
	interval := e.cfg.ExitPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.NewTimer(e.cfg.ExitLimitWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		filled, err := e.venue.CheckFill(ctx, orderID)
		if err != nil {
			e.logger.Warn("Exit fill check failed", zap.String("order_id", orderID), zap.Error(err))
		} else if filled {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (e *OCOEngine) failTimeStop(o *domain.OCOOrder, err error) domain.OCOOrder {
	o.Status = domain.StatusTimeStopFailed
	o.ClosedAt = e.now()
	e.retire(o)
	e.logger.Error("Time-stop exit failed, position is unprotected",
		zap.String("id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Stringer("quantity", o.Quantity),
		zap.String("exit_order_id", o.ExitOrderID),
		zap.Error(err))
	return *o
}

// cancelBoth cancels both legs, skipping legs withdrawn by an earlier
// attempt. If a leg refuses because it already filled, the sibling is still
// cancelled and that leg is reported. Cancel errors are returned joined.
func (e *OCOEngine) cancelBoth(ctx context.Context, o *domain.OCOOrder) (domain.OCOLeg, decimal.Decimal, bool, error) {
	var (
		leg    domain.OCOLeg
		price  decimal.Decimal
		filled bool
		errs   []error
	)
	for _, l := range []struct {
		leg   domain.OCOLeg
		id    string
		price decimal.Decimal
	}{
		{domain.LegStop, o.StopOrderID, o.StopLoss},
		{domain.LegTarget, o.TargetOrderID, o.TakeProfit},
	} {
		if e.withdrawn[l.id] {
			continue
		}
		ok, err := e.venue.CancelOrder(ctx, l.id)
		if err != nil {
			e.logger.Error("Failed to cancel OCO leg",
				zap.String("id", o.ID),
				zap.String("leg", string(l.leg)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("cancel %s leg: %w", l.leg, err))
			continue
		}
		if ok {
			e.withdrawn[l.id] = true
			continue
		}
		if !filled {
			leg, price, filled = l.leg, l.price, true
		}
	}
	return leg, price, filled, errors.Join(errs...)
}

func (e *OCOEngine) cancelLeg(ctx context.Context, o *domain.OCOOrder, orderID string) {
	if _, err := e.venue.CancelOrder(ctx, orderID); err != nil {
		e.logger.Error("Failed to cancel sibling leg",
			zap.String("id", o.ID),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

func (e *OCOEngine) close(o *domain.OCOOrder, status domain.OrderStatus, leg domain.OCOLeg, price decimal.Decimal) domain.OCOFillEvent {
	o.Status = status
	o.ClosedAt = e.now()
	e.retire(o)

	e.logger.Info("OCO closed",
		zap.String("id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("leg", string(leg)),
		zap.Stringer("price", price))
	return domain.OCOFillEvent{
		OCOID:  o.ID,
		Symbol: o.Symbol,
		Side:   o.Side,
		Leg:    leg,
		Price:  price,
		Qty:    o.Quantity,
	}
}

// Cancel withdraws both legs of an active pair.
func (e *OCOEngine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.active[id]
	if !ok {
		if _, done := e.closed[id]; done {
			return fmt.Errorf("cancel oco %s: %w", id, domain.ErrOrderClosed)
		}
		return fmt.Errorf("cancel oco %s: %w", id, domain.ErrNotFound)
	}
	e.cancelLeg(ctx, o, o.StopOrderID)
	e.cancelLeg(ctx, o, o.TargetOrderID)
	o.Status = domain.StatusCancelled
	o.ClosedAt = e.now()
	e.retire(o)
	return nil
}

// retire moves o from active to closed. Must be called with mu held.
func (e *OCOEngine) retire(o *domain.OCOOrder) {
	delete(e.active, o.ID)
	delete(e.withdrawn, o.StopOrderID)
	delete(e.withdrawn, o.TargetOrderID)
	e.closed[o.ID] = o
}

// CancelSymbol cancels every active pair on symbol.
func (e *OCOEngine) CancelSymbol(ctx context.Context, symbol string) int {
	var ids []string
	for _, o := range e.Active() {
		if o.Symbol == symbol {
			ids = append(ids, o.ID)
		}
	}
	n := 0
	for _, id := range ids {
		if err := e.Cancel(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Cleanup forgets closed pairs older than the retention window.
func (e *OCOEngine) Cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.Retention)
	n := 0
	for id, o := range e.closed {
		if o.ClosedAt.Before(cutoff) {
			delete(e.closed, id)
			n++
		}
	}
	return n
}

func (e *OCOEngine) Active() []domain.OCOOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OCOOrder, 0, len(e.active))
	for _, o := range e.sortedActive() {
		out = append(out, *o)
	}
	return out
}

// Get looks up a pair, active or recently closed.
func (e *OCOEngine) Get(id string) (domain.OCOOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.active[id]; ok {
		return *o, true
	}
	if o, ok := e.closed[id]; ok {
		return *o, true
	}
	return domain.OCOOrder{}, false
}

// Failed lists pairs whose time-stop exit could not be placed.
func (e *OCOEngine) Failed() []domain.OCOOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.OCOOrder
	for _, o := range e.closed {
		if o.Status == domain.StatusTimeStopFailed {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// sortedActive must be called with mu held.
func (e *OCOEngine) sortedActive() []*domain.OCOOrder {
	out := make([]*domain.OCOOrder, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
