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

type BracketRequest struct {
	Symbol   string
	Side     domain.Side
	Entry    decimal.Decimal
	Quantity decimal.Decimal
	StopLoss decimal.Decimal // zero: derived from ATR
	ATR      decimal.Decimal
	// RRRatio, when set, stretches the ladder so the last rung sits at RRRatio * R.
	RRRatio     decimal.Decimal
	TakeProfits []decimal.Decimal // explicit targets, any order
	Strategy    string
	Info        domain.SymbolInfo
}

// BracketEngine builds bracket orders and drives their lifecycle: entry
// fill, take-profit rungs tightening the stop, stop-out and cancellation.
type BracketEngine struct {
	cfg    config.BracketConfig
	venue  domain.OrderVenue
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*domain.BracketOrder
}

func NewBracketEngine(cfg config.BracketConfig, venue domain.OrderVenue, logger *zap.Logger) *BracketEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BracketEngine{
		cfg:    cfg,
		venue:  venue,
		logger: logger,
		now:    time.Now,
		active: make(map[string]*domain.BracketOrder),
	}
}

// Create validates and registers a pending bracket. Take-profits are sorted
// into side order; a bracket whose prices still violate that order fails
// with *domain.BracketSpecError.
func (e *BracketEngine) Create(req BracketRequest) (*domain.BracketOrder, error) {
	if !req.Entry.IsPositive() {
		return nil, fmt.Errorf("create bracket %s: %w", req.Symbol, domain.ErrInvalidEntryPrice)
	}
	specErr := func(format string, args ...any) error {
		return &domain.BracketSpecError{Symbol: req.Symbol, Side: req.Side, Reason: fmt.Sprintf(format, args...)}
	}
	if !req.Side.Valid() {
		return nil, specErr("unknown side")
	}
	if !req.Quantity.IsPositive() {
		return nil, specErr("quantity %s must be positive", req.Quantity)
	}

	sign := decimal.NewFromInt(req.Side.Sign())
	stop := req.StopLoss
	if !stop.IsPositive() {
		if !req.ATR.IsPositive() {
			return nil, specErr("no stop loss and no ATR to derive one")
		}
		mult := e.cfg.StopATRMultiplier
		if !mult.IsPositive() {
			mult = money.One
		}
		stop = req.Info.QuantizePrice(req.Entry.Sub(sign.Mul(mult).Mul(req.ATR)))
	}
	if !stop.IsPositive() {
		return nil, specErr("stop %s is not positive", stop)
	}
	if req.Side == domain.SideLong && !stop.LessThan(req.Entry) {
		return nil, specErr("stop %s must be below entry %s", stop, req.Entry)
	}
	if req.Side == domain.SideShort && !stop.GreaterThan(req.Entry) {
		return nil, specErr("stop %s must be above entry %s", stop, req.Entry)
	}
	riskUnit := req.Entry.Sub(stop).Abs()

	targets := append([]decimal.Decimal(nil), req.TakeProfits...)
	if len(targets) == 0 {
		targets = e.ladder(req, riskUnit)
	}
	sortTargets(req.Side, targets)

	for i, tp := range targets {
		if !tp.IsPositive() {
			return nil, specErr("take-profit %s is not positive", tp)
		}
		if !OrderedForSide(req.Side, stop, req.Entry, tp) {
			return nil, specErr("take-profit %s on the wrong side of entry %s", tp, req.Entry)
		}
		if i > 0 && tp.Equal(targets[i-1]) {
			return nil, specErr("duplicate take-profit %s", tp)
		}
	}

	// rungs that quantize to nothing are dropped; the rest keep side order
	qtys := e.split(req.Quantity, len(targets), req.Info.StepSize)
	rungs := make([]domain.TakeProfitRung, 0, len(targets))
	for i, tp := range targets {
		if !qtys[i].IsPositive() {
			continue
		}
		rungs = append(rungs, domain.TakeProfitRung{
			Price:     tp,
			Quantity:  qtys[i],
			RMultiple: tp.Sub(req.Entry).Abs().Div(riskUnit).Round(4),
			Filled:    decimal.Zero,
		})
	}

	now := e.now()
	b := &domain.BracketOrder{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Entry:       req.Entry,
		Quantity:    req.Quantity,
		StopLoss:    stop,
		InitialStop: stop,
		RiskUnit:    riskUnit,
		TakeProfits: rungs,
		Strategy:    req.Strategy,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.active[b.ID] = b
	e.mu.Unlock()

	e.logger.Info("Bracket created",
		zap.String("id", b.ID),
		zap.String("symbol", b.Symbol),
		zap.String("side", string(b.Side)),
		zap.Stringer("entry", b.Entry),
		zap.Stringer("stop", b.StopLoss),
		zap.Stringers("take_profits", b.TakeProfitPrices()))
	return b, nil
}

// ladder places the configured R-multiple rungs, rescaled so the last rung
// lands on RRRatio when one is given.
func (e *BracketEngine) ladder(req BracketRequest, riskUnit decimal.Decimal) []decimal.Decimal {
	rs := e.cfg.RungR
	if len(rs) == 0 {
		rs = []decimal.Decimal{decimal.RequireFromString("0.6"), decimal.RequireFromString("1.2"), decimal.RequireFromString("2.0")}
	}
	scale := money.One
	if last := rs[len(rs)-1]; req.RRRatio.IsPositive() && last.IsPositive() {
		scale = req.RRRatio.Div(last)
	}
	sign := decimal.NewFromInt(req.Side.Sign())
	out := make([]decimal.Decimal, len(rs))
	for i, r := range rs {
		out[i] = req.Info.QuantizePrice(req.Entry.Add(sign.Mul(r).Mul(scale).Mul(riskUnit)))
	}
	return out
}

// split divides qty by the configured weights, quantized down to the step;
// the remainder goes to the last rung so the rungs sum to qty exactly.
func (e *BracketEngine) split(qty decimal.Decimal, n int, step decimal.Decimal) []decimal.Decimal {
	weights := e.cfg.RungSplit
	if len(weights) != n {
		weights = make([]decimal.Decimal, n)
		for i := range weights {
			weights[i] = money.One.Div(decimal.NewFromInt(int64(n)))
		}
	}
	out := make([]decimal.Decimal, n)
	assigned := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = money.QuantizeDown(qty.Mul(weights[i]), step)
		assigned = assigned.Add(out[i])
	}
	out[n-1] = qty.Sub(assigned)
	return out
}

func sortTargets(side domain.Side, tps []decimal.Decimal) {
	sort.Slice(tps, func(i, j int) bool {
		if side == domain.SideShort {
			return tps[i].GreaterThan(tps[j])
		}
		return tps[i].LessThan(tps[j])
	})
}

// Submit places the stop and every rung. If any leg fails, the legs already
// placed are cancelled and the bracket is marked cancelled.
func (e *BracketEngine) Submit(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[id]
	if !ok {
		return fmt.Errorf("submit bracket %s: %w", id, domain.ErrNotFound)
	}
	if e.venue == nil {
		return errors.New("submit bracket: no order venue configured")
	}

	var placed []string
	fail := func(leg string, err error) error {
		for _, orderID := range placed {
			if _, cerr := e.venue.CancelOrder(ctx, orderID); cerr != nil {
				e.logger.Error("Failed to cancel sibling leg",
					zap.String("bracket", b.ID),
					zap.String("order_id", orderID),
					zap.Error(cerr))
			}
		}
		b.StopOrderID = ""
		for i := range b.TakeProfits {
			b.TakeProfits[i].OrderID = ""
		}
		e.finish(b, domain.StatusCancelled)
		return fmt.Errorf("submit bracket %s %s leg: %w", b.Symbol, leg, err)
	}

	stopID, err := e.venue.CreateOrder(ctx, e.stopRequest(b, b.Quantity))
	if err != nil {
		return fail("stop", err)
	}
	placed = append(placed, stopID)
	b.StopOrderID = stopID

	for i := range b.TakeProfits {
		rung := &b.TakeProfits[i]
		orderID, err := e.venue.CreateOrder(ctx, domain.OrderRequest{
			ClientOrderID: fmt.Sprintf("%s-tp%d", b.ID, i+1),
			Symbol:        b.Symbol,
			Side:          b.Side.ExitOrderSide(),
			Type:          domain.OrderTypeLimit,
			Quantity:      rung.Quantity,
			Price:         rung.Price,
			ReduceOnly:    true,
			Metadata:      map[string]string{"bracket_id": b.ID, "leg": "take_profit"},
		})
		if err != nil {
			return fail(fmt.Sprintf("tp%d", i+1), err)
		}
		placed = append(placed, orderID)
		rung.OrderID = orderID
	}

	b.UpdatedAt = e.now()
	return nil
}

func (e *BracketEngine) stopRequest(b *domain.BracketOrder, qty decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: b.ID + "-sl-" + uuid.NewString()[:8],
		Symbol:        b.Symbol,
		Side:          b.Side.ExitOrderSide(),
		Type:          domain.OrderTypeStopMarket,
		Quantity:      qty,
		Price:         b.StopLoss,
		ReduceOnly:    true,
		Metadata:      map[string]string{"bracket_id": b.ID, "leg": "stop"},
	}
}

// Activate marks the entry as filled.
func (e *BracketEngine) Activate(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[id]
	if !ok {
		return fmt.Errorf("activate bracket %s: %w", id, domain.ErrNotFound)
	}
	if b.Status != domain.StatusPending {
		return fmt.Errorf("activate bracket %s in status %s: %w", id, b.Status, domain.ErrOrderClosed)
	}
	b.Status = domain.StatusActive
	b.UpdatedAt = e.now()
	return nil
}

// OnTakeProfitFill records qty filled on rung (0-based). A completed first
// rung moves the stop to breakeven, the second to entry + trail R, and the
// last rung closes the bracket. The stop only ever tightens.
func (e *BracketEngine) OnTakeProfitFill(ctx context.Context, id string, rung int, qty decimal.Decimal) (domain.BracketOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[id]
	if !ok {
		return domain.BracketOrder{}, fmt.Errorf("take-profit fill on %s: %w", id, domain.ErrNotFound)
	}
	if rung < 0 || rung >= len(b.TakeProfits) {
		return cloneBracket(b), fmt.Errorf("take-profit fill on %s: rung %d out of range", id, rung)
	}
	err := e.takeProfitFill(ctx, b, rung, qty)
	return cloneBracket(b), err
}

func (e *BracketEngine) takeProfitFill(ctx context.Context, b *domain.BracketOrder, rung int, qty decimal.Decimal) error {

	r := &b.TakeProfits[rung]
	r.Filled = money.Min(r.Filled.Add(qty), r.Quantity)
	b.UpdatedAt = e.now()

	if !r.Done() {
		b.Status = domain.StatusPartiallyFilled
		return nil
	}

	last := len(b.TakeProfits) - 1
	if rung == last || !b.OpenQuantity().IsPositive() {
		e.cancelLegs(ctx, b)
		e.finish(b, domain.StatusFilled)
		e.logger.Info("Bracket closed by final take-profit",
			zap.String("id", b.ID),
			zap.String("symbol", b.Symbol),
			zap.Stringer("price", r.Price))
		return nil
	}

	b.Status = domain.StatusPartiallyFilled
	sign := decimal.NewFromInt(b.Side.Sign())
	var newStop decimal.Decimal
	switch rung {
	case 0:
		newStop = b.Entry
	default:
		newStop = b.Entry.Add(sign.Mul(e.cfg.SecondRungTrailR).Mul(b.RiskUnit))
	}

	return e.tightenStop(ctx, b, newStop)
}

// tightenStop moves the stop to newStop only if that reduces risk. The
// replacement stop is placed before the old one is cancelled.
func (e *BracketEngine) tightenStop(ctx context.Context, b *domain.BracketOrder, newStop decimal.Decimal) error {
	tighter := newStop.GreaterThan(b.StopLoss)
	if b.Side == domain.SideShort {
		tighter = newStop.LessThan(b.StopLoss)
	}
	if !tighter {
		return nil
	}

	old, oldID := b.StopLoss, b.StopOrderID
	b.StopLoss = newStop
	if e.venue == nil || oldID == "" {
		return nil
	}

	newID, err := e.venue.CreateOrder(ctx, e.stopRequest(b, b.OpenQuantity()))
	if err != nil {
		b.StopLoss = old
		e.logger.Error("Failed to place tightened stop, keeping previous",
			zap.String("bracket", b.ID),
			zap.Stringer("stop", old),
			zap.Error(err))
		return fmt.Errorf("tighten stop for %s: %w", b.ID, err)
	}
	b.StopOrderID = newID
	if _, err := e.venue.CancelOrder(ctx, oldID); err != nil {
		e.logger.Warn("Failed to cancel replaced stop", zap.String("order_id", oldID), zap.Error(err))
	}

	e.logger.Info("Bracket stop tightened",
		zap.String("id", b.ID),
		zap.Stringer("from", old),
		zap.Stringer("to", newStop))
	return nil
}

// OnStopFill closes the bracket after its stop executed.
func (e *BracketEngine) OnStopFill(ctx context.Context, id string) (domain.BracketOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[id]
	if !ok {
		return domain.BracketOrder{}, fmt.Errorf("stop fill on %s: %w", id, domain.ErrNotFound)
	}
	e.stopFill(ctx, b)
	return cloneBracket(b), nil
}

func (e *BracketEngine) stopFill(ctx context.Context, b *domain.BracketOrder) {
	b.StopOrderID = ""
	e.cancelLegs(ctx, b)
	e.finish(b, domain.StatusFilled)
	e.logger.Info("Bracket stopped out", zap.String("id", b.ID), zap.Stringer("stop", b.StopLoss))
}

// BracketFillEvent is a leg execution found by CheckFills. Rung is -1 for
// the stop.
type BracketFillEvent struct {
	BracketID string
	Symbol    string
	Side      domain.Side
	Leg       domain.OCOLeg
	Rung      int
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Closed    bool
}

// CheckFills polls the working legs of every entered bracket and applies
// what filled: a stop closes the bracket, a rung runs the take-profit
// transition.
func (e *BracketEngine) CheckFills(ctx context.Context) ([]BracketFillEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.venue == nil {
		return nil, nil
	}

	var (
		events []BracketFillEvent
		errs   []error
	)
	for _, b := range e.sortedActive() {
		if b.Status == domain.StatusPending || b.StopOrderID == "" {
			continue
		}
		stopFilled, err := e.venue.CheckFill(ctx, b.StopOrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check bracket stop %s: %w", b.ID, err))
			continue
		}
		if stopFilled {
			qty := b.OpenQuantity()
			e.stopFill(ctx, b)
			events = append(events, BracketFillEvent{
				BracketID: b.ID, Symbol: b.Symbol, Side: b.Side,
				Leg: domain.LegStop, Rung: -1, Price: b.StopLoss, Qty: qty, Closed: true,
			})
			continue
		}

		for i := range b.TakeProfits {
			r := b.TakeProfits[i]
			if r.Done() || r.OrderID == "" {
				continue
			}
			filled, err := e.venue.CheckFill(ctx, r.OrderID)
			if err != nil {
				errs = append(errs, fmt.Errorf("check bracket %s tp%d: %w", b.ID, i+1, err))
				break
			}
			if !filled {
				continue
			}
			qty := r.Quantity.Sub(r.Filled)
			if err := e.takeProfitFill(ctx, b, i, qty); err != nil {
				errs = append(errs, err)
			}
			events = append(events, BracketFillEvent{
				BracketID: b.ID, Symbol: b.Symbol, Side: b.Side,
				Leg: domain.LegTarget, Rung: i, Price: r.Price, Qty: qty,
				Closed: b.Status.Terminal(),
			})
			if b.Status.Terminal() {
				break
			}
		}
	}
	return events, errors.Join(errs...)
}

func (e *BracketEngine) sortedActive() []*domain.BracketOrder {
	out := make([]*domain.BracketOrder, 0, len(e.active))
	for _, b := range e.active {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel pulls every working leg and drops the bracket.
func (e *BracketEngine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[id]
	if !ok {
		return fmt.Errorf("cancel bracket %s: %w", id, domain.ErrNotFound)
	}
	e.cancelLegs(ctx, b)
	e.finish(b, domain.StatusCancelled)
	return nil
}

func (e *BracketEngine) cancelLegs(ctx context.Context, b *domain.BracketOrder) {
	if e.venue == nil {
		return
	}
	ids := []string{b.StopOrderID}
	for _, r := range b.TakeProfits {
		if !r.Done() {
			ids = append(ids, r.OrderID)
		}
	}
	for _, orderID := range ids {
		if orderID == "" {
			continue
		}
		if _, err := e.venue.CancelOrder(ctx, orderID); err != nil {
			e.logger.Error("Failed to cancel bracket leg",
				zap.String("bracket", b.ID),
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}
}

func (e *BracketEngine) finish(b *domain.BracketOrder, status domain.OrderStatus) {
	b.Status = status
	b.UpdatedAt = e.now()
	delete(e.active, b.ID)
}

// Get returns a copy of an active bracket.
func (e *BracketEngine) Get(id string) (domain.BracketOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.active[id]
	if !ok {
		return domain.BracketOrder{}, false
	}
	return cloneBracket(b), true
}

// Active lists active brackets oldest first.
func (e *BracketEngine) Active() []domain.BracketOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.BracketOrder, 0, len(e.active))
	for _, b := range e.active {
		out = append(out, cloneBracket(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneBracket(b *domain.BracketOrder) domain.BracketOrder {
	c := *b
	c.TakeProfits = append([]domain.TakeProfitRung(nil), b.TakeProfits...)
	return c
}
