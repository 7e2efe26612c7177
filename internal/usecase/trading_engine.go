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
	ReasonNoMarkPrice      = "no_mark_price"
	ReasonInsufficientCash = "insufficient_cash"
	ReasonUnknownIntent    = "unknown_intent"
	ReasonEntryNotFilled   = "entry_not_filled"
	ReasonExitFailed       = "exit_failed"
	ReasonProtectionFailed = "protection_failed"
)

// MetricsRecorder receives engine outcomes. The engine never depends on a
// concrete metrics backend.
type MetricsRecorder interface {
	CycleCompleted(symbol string, decision Decision, reason string)
	OrderExecuted(status ExecutionStatus, maker bool)
	PortfolioValidated(severity domain.Severity)
	ProtectionEvent(kind, event string)
	EquityUpdated(cash, equity decimal.Decimal)
}

type nopMetrics struct{}

func (nopMetrics) CycleCompleted(string, Decision, string) {}
func (nopMetrics) OrderExecuted(ExecutionStatus, bool) {}
func (nopMetrics) PortfolioValidated(domain.Severity) {}
func (nopMetrics) ProtectionEvent(string, string) {}
func (nopMetrics) EquityUpdated(decimal.Decimal, decimal.Decimal) {}

// Signal is one scored trading decision for a symbol.
type Signal struct {
	Symbol string
	Action Action
	// Entry overrides the mark price when set.
	Entry             decimal.Decimal
	StrategySL        decimal.Decimal
	StrategyTP        decimal.Decimal
	TakeProfits       []decimal.Decimal
	Strategy          string
	Score             float64
	AdaptiveThreshold float64
	RealizedVol       float64
	AverageVol        float64
	IsPilot           bool
	IsExploration     bool
	// Stats switches NORMAL entries to Kelly sizing.
	Stats  *TradeStats
	Market bool
}

// CycleReport describes what one ProcessSignal call did.
type CycleReport struct {
	Symbol     string                   `json:"symbol"`
	Action     Action                   `json:"action"`
	Decision   Decision                 `json:"decision"`
	Intent     Intent                   `json:"intent,omitempty"`
	Reason     string                   `json:"reason"`
	Entry      decimal.Decimal          `json:"entry"`
	Quantity   decimal.Decimal          `json:"quantity"`
	Levels     Levels                   `json:"levels"`
	RR         decimal.Decimal          `json:"rr"`
	OrderID    string                   `json:"order_id,omitempty"`
	BracketID  string                   `json:"bracket_id,omitempty"`
	OCOID      string                   `json:"oco_id,omitempty"`
	Committed  bool                     `json:"committed"`
	Validation *domain.ValidationResult `json:"validation,omitempty"`
	At         time.Time                `json:"at"`
}

func (r *CycleReport) skip(reason string) {
	r.Decision = DecisionSkip
	r.Reason = reason
}

// TrackedPosition is an engine-opened position and its protection.
type TrackedPosition struct {
	Symbol      string          `json:"symbol"`
	Side        domain.Side     `json:"side"`
	Intent      Intent          `json:"intent"`
	Entry       decimal.Decimal `json:"entry"`
	InitialStop decimal.Decimal `json:"initial_stop"`
	Stop        decimal.Decimal `json:"stop"`
	Quantity    decimal.Decimal `json:"quantity"`
	InitialQty  decimal.Decimal `json:"initial_qty"`
	BracketID   string          `json:"bracket_id,omitempty"`
	OCOID       string          `json:"oco_id,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// ExitEvent is a protective leg or time stop that reduced a position.
type ExitEvent struct {
	Symbol string          `json:"symbol"`
	Source string          `json:"source"`
	Leg    domain.OCOLeg   `json:"leg"`
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	Closed bool            `json:"closed"`
}

type TickReport struct {
	Trailed    []string                 `json:"trailed"`
	Exits      []ExitEvent              `json:"exits"`
	Adds       []string                 `json:"adds"`
	Failed     []string                 `json:"failed"`
	Committed  bool                     `json:"committed"`
	Validation *domain.ValidationResult `json:"validation,omitempty"`
}

// EngineSnapshot is the read model served by the status API.
type EngineSnapshot struct {
	Session         string                `json:"session"`
	Cash            decimal.Decimal       `json:"cash"`
	Equity          decimal.Decimal       `json:"equity"`
	RealizedPnL     decimal.Decimal       `json:"realized_pnl"`
	Positions       []domain.Position     `json:"positions"`
	Tracked         []TrackedPosition     `json:"tracked"`
	Brackets        []domain.BracketOrder `json:"brackets"`
	OCOs            []domain.OCOOrder     `json:"ocos"`
	FailedOCOs      []domain.OCOOrder     `json:"failed_ocos"`
	ExplorationLeft int                   `json:"exploration_left"`
	LastCycle       *CycleReport          `json:"last_cycle,omitempty"`
	LastTick        time.Time             `json:"last_tick"`
}

// TradingEngine runs the signal cycle: size, derive levels, gate, route,
// execute, protect and book. Cycles and ticks never overlap.
type TradingEngine struct {
	cfg       *config.Config
	session   string
	market    domain.MarketData
	sizer     *RiskSizer
	deriver   *SLTPDeriver
	gate      *TradeGate
	router    *ExecutionRouter
	executor  *TradeExecutor
	brackets  *BracketEngine
	ocos      *OCOEngine
	pyramid   *PyramidEngine
	portfolio *Portfolio
	metrics   MetricsRecorder
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	tracked map[string]*TrackedPosition
	info    map[string]domain.SymbolInfo

	snapMu    sync.RWMutex
	state     PortfolioState
	snapTrack []TrackedPosition
	lastCycle *CycleReport
	lastTick  time.Time
}

func NewTradingEngine(cfg *config.Config, market domain.MarketData, venue domain.OrderVenue, repo domain.PortfolioRepository, metrics MetricsRecorder, logger *zap.Logger) *TradingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &TradingEngine{
		cfg:       cfg,
		session:   cfg.Storage.Session,
		market:    market,
		sizer:     NewRiskSizer(cfg.Risk, logger.Named("sizer")),
		deriver:   NewSLTPDeriver(cfg.SLTP, logger.Named("sltp")),
		gate:      NewTradeGate(cfg.Gate),
		router:    NewExecutionRouter(cfg.Router, nil, logger.Named("router")),
		executor:  NewTradeExecutor(venue, cfg.Execution, logger.Named("executor")),
		brackets:  NewBracketEngine(cfg.Bracket, venue, logger.Named("bracket")),
		ocos:      NewOCOEngine(cfg.OCO, venue, logger.Named("oco")),
		pyramid:   NewPyramidEngine(cfg.Pyramid, logger.Named("pyramid")),
		portfolio: NewPortfolio(repo, cfg.Portfolio, logger.Named("portfolio")),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		tracked:   make(map[string]*TrackedPosition),
		info:      make(map[string]domain.SymbolInfo),
	}
}

func (e *TradingEngine) Portfolio() *Portfolio {
	return e.portfolio
}

func (e *TradingEngine) Router() *ExecutionRouter {
	return e.router
}

// ProcessSignal runs one trading cycle. Rejections come back as a SKIP
// report with a reason and a nil error; an invalid entry price and
// infrastructure failures return an error.
func (e *TradingEngine) ProcessSignal(ctx context.Context, sig Signal) (*CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &CycleReport{Symbol: sig.Symbol, Action: sig.Action, Decision: DecisionSkip, At: e.now()}
	defer func() {
		e.metrics.CycleCompleted(report.Symbol, report.Decision, report.Reason)
		snap := *report
		e.snapMu.Lock()
		e.lastCycle = &snap
		e.snapMu.Unlock()
	}()

	info, err := e.symbolInfo(ctx, sig.Symbol)
	if err != nil {
		return report, err
	}
	state, err := e.portfolio.State(ctx, e.session)
	if err != nil {
		return report, err
	}
	pos := state.Positions[sig.Symbol]

	route := e.router.Route(RouteRequest{
		Symbol:        sig.Symbol,
		Action:        sig.Action,
		HasPosition:   !pos.IsFlat(),
		PositionSide:  pos.Side(),
		IsPilot:       sig.IsPilot,
		IsExploration: sig.IsExploration,
	})
	report.Decision = route.Decision
	report.Intent = route.Intent
	report.Reason = route.Reason
	if !route.Submit() {
		return report, nil
	}

	entry := sig.Entry
	if entry.IsZero() {
		mark, ok, err := e.market.GetMarkPrice(ctx, sig.Symbol)
		if err != nil {
			return report, fmt.Errorf("mark price %s: %w", sig.Symbol, err)
		}
		if !ok {
			report.skip(ReasonNoMarkPrice)
			return report, nil
		}
		entry = mark
	}
	if !entry.IsPositive() {
		report.skip(ReasonInvalidEntry)
		return report, fmt.Errorf("%s entry %s: %w", sig.Symbol, entry, domain.ErrInvalidEntryPrice)
	}
	report.Entry = entry

	switch route.Intent {
	case IntentExit:
		return report, e.exit(ctx, report, pos, info, entry)
	case IntentNormal, IntentPilot, IntentExplore:
		return report, e.enter(ctx, report, sig, route, state, info, entry)
	}
	report.skip(ReasonUnknownIntent)
	return report, nil
}

func (e *TradingEngine) enter(ctx context.Context, report *CycleReport, sig Signal, route RouteDecision, state PortfolioState, info domain.SymbolInfo, entry decimal.Decimal) error {
	side := route.Opens
	atr, hasATR, err := e.market.GetATR(ctx, sig.Symbol)
	if err != nil {
		e.logger.Warn("ATR lookup failed", zap.String("symbol", sig.Symbol), zap.Error(err))
	}
	if err != nil || !hasATR {
		atr = decimal.Zero
	}

	levels, err := e.deriver.Derive(entry, side, atr, sig.StrategySL, sig.StrategyTP)
	if err != nil {
		report.skip(ReasonInvalidEntry)
		return err
	}
	report.Levels = levels
	report.RR = e.deriver.ComputeRR(entry, levels.Stop, levels.Target, side, e.cfg.SLTP.FeeBps, e.cfg.SLTP.SlippageBps)

	gate := e.gate.ValidateTradeParameters(GateInput{
		RR:                report.RR,
		Score:             sig.Score,
		AdaptiveThreshold: sig.AdaptiveThreshold,
		RealizedVol:       sig.RealizedVol,
		AverageVol:        sig.AverageVol,
	})
	if !gate.Allowed {
		report.skip(gate.Reason)
		return nil
	}

	symbolExposure, sessionExposure := exposure(state, sig.Symbol)
	size, reason := e.size(route.Intent, sig, SizeRequest{
		Symbol:          sig.Symbol,
		Entry:           entry,
		Side:            side,
		Equity:          state.Equity,
		ATR:             atr,
		StopLoss:        levels.Stop,
		SymbolExposure:  symbolExposure,
		SessionExposure: sessionExposure,
		Info:            info,
	})
	if reason != "" {
		report.skip(reason)
		return nil
	}
	report.Quantity = size.Quantity

	fee := money.Bps(size.Notional, e.cfg.SLTP.FeeBps)
	if side == domain.SideLong && size.Notional.Add(fee).GreaterThan(state.Cash) {
		report.skip(ReasonInsufficientCash)
		return nil
	}

	orderType := domain.OrderTypeLimit
	if sig.Market {
		orderType = domain.OrderTypeMarket
	}
	exec, err := e.executor.Execute(ctx, domain.OrderRequest{
		ClientOrderID: "entry-" + uuid.NewString(),
		Symbol:        sig.Symbol,
		Side:          route.OrderSide,
		Type:          orderType,
		Quantity:      size.Quantity,
		Price:         entry,
		Metadata:      map[string]string{"intent": string(route.Intent), "strategy": sig.Strategy},
	})
	e.metrics.OrderExecuted(exec.Status, exec.Maker)
	report.OrderID = exec.OrderID
	if !exec.Filled() {
		report.skip(ReasonEntryNotFilled)
		return err
	}
	if route.Intent == IntentExplore {
		e.router.Budget().Consume()
	}

	tx, err := e.portfolio.Begin(ctx, e.session)
	if err != nil {
		e.logger.Error("Entry filled but portfolio is busy", zap.String("symbol", sig.Symbol), zap.Error(err))
		return err
	}
	defer tx.Close()

	now := e.now()
	if err := tx.StageFill(domain.Fill{
		OrderID:  exec.OrderID,
		Symbol:   sig.Symbol,
		Side:     route.OrderSide,
		Quantity: size.Quantity,
		Price:    entry,
		Fee:      fee,
		Reason:   "entry",
		Time:     now,
	}, info); err != nil {
		return err
	}

	tp := &TrackedPosition{
		Symbol:      sig.Symbol,
		Side:        side,
		Intent:      route.Intent,
		Entry:       entry,
		InitialStop: levels.Stop,
		Stop:        levels.Stop,
		Quantity:    size.Quantity,
		InitialQty:  size.Quantity,
		OpenedAt:    now,
	}
	if err := e.protect(ctx, tp, levels, atr, sig.TakeProfits, sig.Strategy); err != nil {
		e.logger.Error("Protection failed, flattening position",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
		e.metrics.ProtectionEvent("entry", "failed")
		report.Reason = ReasonProtectionFailed
		if ferr := e.flatten(ctx, tx, tp, entry, ReasonProtectionFailed); ferr != nil {
			e.logger.Error("Flatten after protection failure failed", zap.String("symbol", sig.Symbol), zap.Error(ferr))
		}
	} else {
		e.tracked[sig.Symbol] = tp
		report.BracketID = tp.BracketID
		report.OCOID = tp.OCOID
	}

	ok, res, err := e.commit(ctx, tx, map[string]decimal.Decimal{sig.Symbol: entry})
	report.Committed = ok
	report.Validation = res
	return err
}

// size dispatches on the closed intent set.
func (e *TradingEngine) size(intent Intent, sig Signal, req SizeRequest) (SizeResult, string) {
	switch intent {
	case IntentNormal:
		res := e.sizer.Size(req)
		if sig.Stats != nil {
			res = e.sizer.SizeKelly(req, *sig.Stats)
		}
		return res, res.RejectReason
	case IntentPilot:
		res := e.sizer.Size(req)
		if res.Rejected() {
			return res, res.RejectReason
		}
		res.Quantity = req.Info.QuantizeQty(res.Quantity.Mul(e.cfg.Router.PilotSizeFactor))
		res.Notional = res.Quantity.Mul(req.Entry)
		res.RiskAmount = res.Quantity.Mul(res.StopDistance)
		return res, validateExchangeSize(res.Quantity, req.Entry, req.Info)
	case IntentExplore:
		req.IsExploration = true
		res := e.sizer.Size(req)
		return res, res.RejectReason
	}
	return SizeResult{}, ReasonUnknownIntent
}

// protect attaches an OCO pair or a bracket ladder to a fresh position. An
// OCO that cannot be placed for lack of ATR falls back to a bracket.
func (e *TradingEngine) protect(ctx context.Context, tp *TrackedPosition, levels Levels, atr decimal.Decimal, targets []decimal.Decimal, strategy string) error {
	info := e.info[tp.Symbol]
	if e.cfg.Execution.ProtectionMode == "oco" {
		o, err := e.ocos.Place(ctx, OCORequest{
			Symbol:   tp.Symbol,
			Side:     tp.Side,
			Entry:    tp.Entry,
			Quantity: tp.Quantity,
			ATR:      atr,
			Info:     info,
		})
		if err == nil {
			tp.OCOID = o.ID
			tp.Stop = o.StopLoss
			e.metrics.ProtectionEvent("oco", "placed")
			return nil
		}
		if rej, ok := domain.AsRejection(err); !ok || rej.Reason != ReasonNoATR {
			return err
		}
		e.logger.Info("No ATR for OCO, protecting with bracket", zap.String("symbol", tp.Symbol))
	}

	rr := money.DivOrZero(levels.Target.Sub(tp.Entry).Abs(), tp.Entry.Sub(levels.Stop).Abs())
	return e.placeBracket(ctx, tp, BracketRequest{
		Symbol:      tp.Symbol,
		Side:        tp.Side,
		Entry:       tp.Entry,
		Quantity:    tp.Quantity,
		StopLoss:    levels.Stop,
		ATR:         atr,
		RRRatio:     rr,
		TakeProfits: targets,
		Strategy:    strategy,
		Info:        info,
	})
}

func (e *TradingEngine) placeBracket(ctx context.Context, tp *TrackedPosition, req BracketRequest) error {
	b, err := e.brackets.Create(req)
	if err != nil {
		return err
	}
	if err := e.brackets.Submit(ctx, b.ID); err != nil {
		return err
	}
	if err := e.brackets.Activate(b.ID); err != nil {
		return err
	}
	tp.BracketID = b.ID
	tp.Stop = b.StopLoss
	e.metrics.ProtectionEvent("bracket", "placed")
	return nil
}

// unprotect withdraws whatever protection tp carries.
func (e *TradingEngine) unprotect(ctx context.Context, tp *TrackedPosition) {
	if tp.BracketID != "" {
		if err := e.brackets.Cancel(ctx, tp.BracketID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("Bracket cancel failed", zap.String("id", tp.BracketID), zap.Error(err))
		}
		tp.BracketID = ""
	}
	if tp.OCOID != "" {
		err := e.ocos.Cancel(ctx, tp.OCOID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrOrderClosed) {
			e.logger.Warn("OCO cancel failed", zap.String("id", tp.OCOID), zap.Error(err))
		}
		tp.OCOID = ""
	}
}

// flatten pulls protection and closes tp at market, staging the exit fill.
func (e *TradingEngine) flatten(ctx context.Context, tx *Transaction, tp *TrackedPosition, price decimal.Decimal, reason string) error {
	e.unprotect(ctx, tp)
	exitSide := tp.Side.ExitOrderSide()
	exec, err := e.executor.Execute(ctx, domain.OrderRequest{
		ClientOrderID: "exit-" + uuid.NewString(),
		Symbol:        tp.Symbol,
		Side:          exitSide,
		Type:          domain.OrderTypeMarket,
		Quantity:      tp.Quantity,
		ReduceOnly:    true,
		Metadata:      map[string]string{"reason": reason},
	})
	e.metrics.OrderExecuted(exec.Status, exec.Maker)
	if err != nil {
		return fmt.Errorf("flatten %s: %w", tp.Symbol, err)
	}
	if !exec.Filled() {
		return fmt.Errorf("flatten %s: exit %s", tp.Symbol, exec.Status)
	}
	return tx.StageFill(domain.Fill{
		OrderID:  exec.OrderID,
		Symbol:   tp.Symbol,
		Side:     exitSide,
		Quantity: tp.Quantity,
		Price:    price,
		Fee:      money.Bps(tp.Quantity.Mul(price), e.cfg.SLTP.FeeBps),
		Reason:   reason,
		Time:     e.now(),
	}, e.info[tp.Symbol])
}

func (e *TradingEngine) exit(ctx context.Context, report *CycleReport, pos domain.Position, info domain.SymbolInfo, mark decimal.Decimal) error {
	tp, ok := e.tracked[pos.Symbol]
	if !ok {
		tp = &TrackedPosition{Symbol: pos.Symbol, Side: pos.Side(), Entry: pos.AvgPrice}
	}
	tp.Quantity = pos.Quantity.Abs()
	report.Quantity = tp.Quantity

	tx, err := e.portfolio.Begin(ctx, e.session)
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := e.flatten(ctx, tx, tp, mark, string(IntentExit)); err != nil {
		report.skip(ReasonExitFailed)
		return err
	}
	e.untrack(pos.Symbol)

	ok, res, err := e.commit(ctx, tx, map[string]decimal.Decimal{pos.Symbol: mark})
	report.Committed = ok
	report.Validation = res
	return err
}

func (e *TradingEngine) untrack(symbol string) {
	delete(e.tracked, symbol)
	e.pyramid.Clear(symbol)
}

func (e *TradingEngine) commit(ctx context.Context, tx *Transaction, marks map[string]decimal.Decimal) (bool, *domain.ValidationResult, error) {
	ok, res, err := tx.Commit(ctx, marks)
	if res != nil {
		e.metrics.PortfolioValidated(res.Severity)
	}
	e.refresh(ctx)
	return ok, res, err
}

// Tick runs the between-signal maintenance: trailing, fill reconciliation,
// time stops and pyramid adds. All resulting fills are booked in a single
// portfolio transaction.
func (e *TradingEngine) Tick(ctx context.Context) (*TickReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &TickReport{}
	defer func() {
		e.snapMu.Lock()
		e.lastTick = e.now()
		e.snapMu.Unlock()
	}()

	marks := e.marks(ctx)
	report.Trailed = e.ocos.UpdateTrailing(ctx, marks)

	var (
		fills []domain.Fill
		errs  []error
	)
	exitFill := func(symbol string, side domain.Side, qty, price decimal.Decimal, reason string) {
		fills = append(fills, domain.Fill{
			OrderID:  reason + "-" + uuid.NewString(),
			Symbol:   symbol,
			Side:     side.ExitOrderSide(),
			Quantity: qty,
			Price:    price,
			Fee:      money.Bps(qty.Mul(price), e.cfg.SLTP.FeeBps),
			Reason:   reason,
			Time:     e.now(),
		})
	}

	ocoEvents, err := e.ocos.CheckFills(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stopEvents, failed := e.ocos.HandleTimeStops(ctx, marks)
	for _, o := range failed {
		report.Failed = append(report.Failed, o.ID)
		e.metrics.ProtectionEvent("oco", "time_stop_failed")
		if tp, ok := e.tracked[o.Symbol]; ok && tp.OCOID == o.ID {
			tp.OCOID = ""
		}
		e.logger.Error("Time stop could not exit position, manual action required",
			zap.String("oco", o.ID),
			zap.String("symbol", o.Symbol),
			zap.Stringer("quantity", o.Quantity))
	}
	for _, ev := range append(ocoEvents, stopEvents...) {
		exitFill(ev.Symbol, ev.Side, ev.Qty, ev.Price, "oco_"+string(ev.Leg))
		report.Exits = append(report.Exits, ExitEvent{Symbol: ev.Symbol, Source: "oco", Leg: ev.Leg, Price: ev.Price, Qty: ev.Qty, Closed: true})
		e.metrics.ProtectionEvent("oco", string(ev.Leg))
		if tp, ok := e.tracked[ev.Symbol]; ok && tp.OCOID == ev.OCOID {
			e.untrack(ev.Symbol)
		}
	}

	bracketEvents, err := e.brackets.CheckFills(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, ev := range bracketEvents {
		exitFill(ev.Symbol, ev.Side, ev.Qty, ev.Price, "bracket_"+string(ev.Leg))
		report.Exits = append(report.Exits, ExitEvent{Symbol: ev.Symbol, Source: "bracket", Leg: ev.Leg, Price: ev.Price, Qty: ev.Qty, Closed: ev.Closed})
		e.metrics.ProtectionEvent("bracket", string(ev.Leg))
		tp, ok := e.tracked[ev.Symbol]
		if !ok || tp.BracketID != ev.BracketID {
			continue
		}
		if ev.Closed {
			e.untrack(ev.Symbol)
			continue
		}
		tp.Quantity = tp.Quantity.Sub(ev.Qty)
		if b, ok := e.brackets.Get(ev.BracketID); ok {
			tp.Stop = b.StopLoss
		}
	}

	adds, addFills := e.pyramidAdds(ctx, marks)
	report.Adds = adds
	fills = append(fills, addFills...)

	e.ocos.Cleanup()
	if len(fills) == 0 {
		e.refresh(ctx)
		return report, errors.Join(errs...)
	}

	tx, err := e.portfolio.Begin(ctx, e.session)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	defer tx.Close()
	for _, f := range fills {
		if err := tx.StageFill(f, e.info[f.Symbol]); err != nil {
			errs = append(errs, err)
		}
		if _, ok := marks[f.Symbol]; !ok {
			marks[f.Symbol] = f.Price
		}
	}
	ok, res, err := e.commit(ctx, tx, marks)
	report.Committed = ok
	report.Validation = res
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// pyramidAdds scales into tracked winners that reached their next trigger.
// After an add the whole position is re-protected by a bracket carrying the
// tightened stop.
func (e *TradingEngine) pyramidAdds(ctx context.Context, marks map[string]decimal.Decimal) ([]string, []domain.Fill) {
	var (
		added []string
		fills []domain.Fill
	)
	symbols := make([]string, 0, len(e.tracked))
	for sym := range e.tracked {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var cash decimal.Decimal
	if state, err := e.portfolio.State(ctx, e.session); err == nil {
		cash = state.Cash
	}

	for _, sym := range symbols {
		tp := e.tracked[sym]
		mark, ok := marks[sym]
		if !ok || !tp.Quantity.IsPositive() {
			continue
		}
		d := e.pyramid.CanAdd(sym, tp.Entry, mark, tp.InitialStop)
		if !d.Allowed {
			continue
		}
		info := e.info[sym]
		qty := e.pyramid.AddQuantity(tp.InitialQty, info)
		if reason := validateExchangeSize(qty, mark, info); reason != "" {
			e.logger.Debug("Pyramid add below exchange minimum", zap.String("symbol", sym), zap.String("reason", reason))
			continue
		}
		fee := money.Bps(qty.Mul(mark), e.cfg.SLTP.FeeBps)
		if tp.Side == domain.SideLong && qty.Mul(mark).Add(fee).GreaterThan(cash) {
			e.logger.Debug("Pyramid add skipped, not enough cash", zap.String("symbol", sym))
			continue
		}

		entrySide := tp.Side.EntryOrderSide()
		exec, err := e.executor.Execute(ctx, domain.OrderRequest{
			ClientOrderID: "add-" + uuid.NewString(),
			Symbol:        sym,
			Side:          entrySide,
			Type:          domain.OrderTypeMarket,
			Quantity:      qty,
			Metadata:      map[string]string{"trigger_r": d.TriggerR.String()},
		})
		e.metrics.OrderExecuted(exec.Status, exec.Maker)
		if err != nil || !exec.Filled() {
			e.logger.Warn("Pyramid add not filled", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if tp.Side == domain.SideLong {
			cash = cash.Sub(qty.Mul(mark).Add(fee))
		}

		newStop, err := e.pyramid.RecordAdd(sym, d.TriggerR, mark, tp.Stop)
		if err != nil {
			e.logger.Error("Pyramid add filled but not recorded", zap.String("symbol", sym), zap.Error(err))
		}
		fills = append(fills, domain.Fill{
			OrderID:  exec.OrderID,
			Symbol:   sym,
			Side:     entrySide,
			Quantity: qty,
			Price:    mark,
			Fee:      fee,
			Reason:   "pyramid_add",
			Time:     e.now(),
		})
		tp.Quantity = tp.Quantity.Add(qty)
		added = append(added, sym)

		e.unprotect(ctx, tp)
		if err := e.placeBracket(ctx, tp, BracketRequest{
			Symbol:   sym,
			Side:     tp.Side,
			Entry:    mark,
			Quantity: tp.Quantity,
			StopLoss: newStop,
			Strategy: "pyramid",
			Info:     info,
		}); err != nil {
			e.metrics.ProtectionEvent("bracket", "failed")
			e.logger.Error("Re-protecting after pyramid add failed",
				zap.String("symbol", sym),
				zap.Stringer("stop", newStop),
				zap.Error(err))
		}
	}
	return added, fills
}

func (e *TradingEngine) marks(ctx context.Context) map[string]decimal.Decimal {
	symbols := make(map[string]struct{})
	for sym := range e.tracked {
		symbols[sym] = struct{}{}
	}
	for _, o := range e.ocos.Active() {
		symbols[o.Symbol] = struct{}{}
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for sym := range symbols {
		mark, ok, err := e.market.GetMarkPrice(ctx, sym)
		if err != nil {
			e.logger.Warn("Mark price lookup failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if ok && mark.IsPositive() {
			out[sym] = mark
		}
	}
	return out
}

func (e *TradingEngine) symbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	if info, ok := e.info[symbol]; ok {
		return info, nil
	}
	info, err := e.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("symbol info %s: %w", symbol, err)
	}
	e.info[symbol] = info
	return info, nil
}

// refresh republishes committed state for Snapshot. Must hold mu.
func (e *TradingEngine) refresh(ctx context.Context) {
	state, err := e.portfolio.State(ctx, e.session)
	if err != nil {
		e.logger.Warn("Failed to refresh portfolio state", zap.Error(err))
		return
	}
	tracked := make([]TrackedPosition, 0, len(e.tracked))
	for _, tp := range e.tracked {
		tracked = append(tracked, *tp)
	}
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].Symbol < tracked[j].Symbol })

	e.snapMu.Lock()
	e.state = state
	e.snapTrack = tracked
	e.snapMu.Unlock()
	e.metrics.EquityUpdated(state.Cash, state.Equity)
}

// Start loads the committed state so Snapshot is meaningful before the
// first cycle.
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.portfolio.State(ctx, e.session); err != nil {
		return err
	}
	e.refresh(ctx)
	return nil
}

// Run ticks at interval until ctx ends.
func (e *TradingEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Error("Tick failed", zap.Error(err))
			}
		}
	}
}

func (e *TradingEngine) Snapshot() EngineSnapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	positions := make([]domain.Position, 0, len(e.state.Positions))
	for _, p := range e.state.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	return EngineSnapshot{
		Session:         e.session,
		Cash:            e.state.Cash,
		Equity:          e.state.Equity,
		RealizedPnL:     e.state.RealizedPnL,
		Positions:       positions,
		Tracked:         append([]TrackedPosition(nil), e.snapTrack...),
		Brackets:        e.brackets.Active(),
		OCOs:            e.ocos.Active(),
		FailedOCOs:      e.ocos.Failed(),
		ExplorationLeft: e.router.Budget().Remaining(),
		LastCycle:       e.lastCycle,
		LastTick:        e.lastTick,
	}
}

// exposure is the committed notional on symbol and across the session.
func exposure(state PortfolioState, symbol string) (decimal.Decimal, decimal.Decimal) {
	symbolNotional := decimal.Zero
	total := decimal.Zero
	for sym, p := range state.Positions {
		n := p.Quantity.Abs().Mul(p.AvgPrice)
		total = total.Add(n)
		if sym == symbol {
			symbolNotional = n
		}
	}
	return symbolNotional, total
}
