package usecase

import (
	"context"
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

// PortfolioState is the committed view of one session.
type PortfolioState struct {
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	RealizedPnL decimal.Decimal
	Positions   map[string]domain.Position
	Lots        map[string][]domain.Lot
}

// Portfolio hands out staged transactions over a repository. Only one
// transaction may be open per session at a time.
type Portfolio struct {
	repo      domain.PortfolioRepository
	validator *PortfolioValidator
	cfg       config.PortfolioConfig
	logger    *zap.Logger
	audit     *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	open map[string]bool
}

func NewPortfolio(repo domain.PortfolioRepository, cfg config.PortfolioConfig, logger *zap.Logger) *Portfolio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portfolio{
		repo:      repo,
		validator: NewPortfolioValidator(cfg, logger),
		cfg:       cfg,
		logger:    logger,
		audit:     logger,
		now:       time.Now,
		open:      make(map[string]bool),
	}
}

// SetAuditLogger routes reconciliation diffs to a dedicated sink.
func (p *Portfolio) SetAuditLogger(l *zap.Logger) {
	if l != nil {
		p.audit = l
	}
}

func (p *Portfolio) Validator() *PortfolioValidator {
	return p.validator
}

// State loads the committed state. A session with no cash checkpoint starts
// from the configured initial cash.
func (p *Portfolio) State(ctx context.Context, session string) (PortfolioState, error) {
	positions, err := p.repo.GetPositions(ctx, session)
	if err != nil {
		return PortfolioState{}, fmt.Errorf("load positions: %w", err)
	}
	lots, err := p.repo.SnapshotAllLotbooks(ctx, session)
	if err != nil {
		return PortfolioState{}, fmt.Errorf("load lotbooks: %w", err)
	}
	ce, ok, err := p.repo.GetLatestCashEquity(ctx, session)
	if err != nil {
		return PortfolioState{}, fmt.Errorf("load cash/equity: %w", err)
	}
	if !ok {
		ce = domain.CashEquity{Cash: p.cfg.InitialCash, Equity: p.cfg.InitialCash}
	}
	if positions == nil {
		positions = make(map[string]domain.Position)
	}
	if lots == nil {
		lots = make(map[string][]domain.Lot)
	}
	return PortfolioState{
		Cash:        ce.Cash,
		Equity:      ce.Equity,
		RealizedPnL: ce.RealizedPnL,
		Positions:   positions,
		Lots:        lots,
	}, nil
}

// Begin opens a transaction for session. The caller must defer Close.
func (p *Portfolio) Begin(ctx context.Context, session string) (*Transaction, error) {
	p.mu.Lock()
	if p.open[session] {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionOpen, session)
	}
	p.open[session] = true
	p.mu.Unlock()

	state, err := p.State(ctx, session)
	if err != nil {
		p.release(session)
		return nil, err
	}
	return &Transaction{
		p:        p,
		session:  session,
		base:     state,
		posDelta: make(map[string]decimal.Decimal),
		lots:     make(map[string][]domain.Lot),
		info:     make(map[string]domain.SymbolInfo),
	}, nil
}

func (p *Portfolio) release(session string) {
	p.mu.Lock()
	delete(p.open, session)
	p.mu.Unlock()
}

func (p *Portfolio) report(session string, res domain.ValidationResult) {
	fields := []zap.Field{
		zap.String("session", session),
		zap.String("severity", string(res.Severity)),
		zap.String("reason", res.Reason),
		zap.Stringer("epsilon", res.Epsilon),
		zap.Stringer("expected_equity", res.ExpectedEquity),
		zap.Stringer("actual_equity", res.ActualEquity),
		zap.Stringer("equity_delta", res.EquityDelta),
	}
	switch res.Severity {
	case domain.SeverityOK:
		p.logger.Debug("Portfolio transaction validated", fields...)
	case domain.SeverityWarning:
		p.logger.Warn("Portfolio transaction committed with warning", append(fields,
			zap.Stringer("realized_pnl_delta", res.RealizedPnLDelta))...)
	case domain.SeverityReconciled:
		perSymbol := make(map[string]string, len(res.PerSymbol))
		for sym, v := range res.PerSymbol {
			perSymbol[sym] = v.String()
		}
		p.audit.Warn("Portfolio transaction auto-reconciled", append(fields,
			zap.Stringer("previous_equity", res.PreviousEquity),
			zap.Stringer("cash_delta", res.CashDelta),
			zap.Stringer("positions_value_delta", res.PositionsValueDelta),
			zap.Stringer("realized_pnl_delta", res.RealizedPnLDelta),
			zap.Stringer("fee_discrepancy", res.FeeDiscrepancy),
			zap.Stringer("rounding_residue", res.RoundingResidue),
			zap.Any("per_symbol", perSymbol))...)
	default:
		p.logger.Error("Portfolio transaction rejected", fields...)
	}
}

// Transaction accumulates deltas against the committed state it was opened
// on. Nothing reaches the repository until Commit validates the total.
type Transaction struct {
	p       *Portfolio
	session string
	base    PortfolioState

	cashDelta      decimal.Decimal
	fees           decimal.Decimal
	fillFees       decimal.Decimal
	realizedDelta  decimal.Decimal
	manualRealized decimal.Decimal
	lotRealized    decimal.Decimal
	posDelta       map[string]decimal.Decimal
	lots           map[string][]domain.Lot
	info           map[string]domain.SymbolInfo
	fills          []domain.Fill

	done bool
}

func (t *Transaction) Session() string {
	return t.session
}

func (t *Transaction) check() error {
	if t.done {
		return domain.ErrTransactionClosed
	}
	return nil
}

// SetSymbolInfo supplies the price tick used for the symbol's tolerance.
func (t *Transaction) SetSymbolInfo(info domain.SymbolInfo) {
	if info.Symbol != "" {
		t.info[info.Symbol] = info
	}
}

func (t *Transaction) StageCashDelta(delta decimal.Decimal) error {
	if err := t.check(); err != nil {
		return err
	}
	t.cashDelta = t.cashDelta.Add(delta)
	return nil
}

// StageFee books a fee paid out of cash.
func (t *Transaction) StageFee(fee decimal.Decimal) error {
	if err := t.check(); err != nil {
		return err
	}
	t.fees = t.fees.Add(fee)
	return nil
}

func (t *Transaction) StagePositionDelta(symbol string, delta decimal.Decimal) error {
	if err := t.check(); err != nil {
		return err
	}
	t.posDelta[symbol] = t.posDelta[symbol].Add(delta)
	return nil
}

// StageRealizedPnLDelta books realized P&L that did not come from a fill.
func (t *Transaction) StageRealizedPnLDelta(delta decimal.Decimal) error {
	if err := t.check(); err != nil {
		return err
	}
	t.realizedDelta = t.realizedDelta.Add(delta)
	t.manualRealized = t.manualRealized.Add(delta)
	return nil
}

func (t *Transaction) StageLotAdd(symbol string, lot domain.Lot) error {
	if err := t.check(); err != nil {
		return err
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.OpenedAt.IsZero() {
		lot.OpenedAt = t.p.now()
	}
	lot.Symbol = symbol
	t.lots[symbol] = append(t.lotsFor(symbol), lot)
	return nil
}

func (t *Transaction) StageLotRemove(symbol, lotID string) error {
	if err := t.check(); err != nil {
		return err
	}
	lots := t.lotsFor(symbol)
	for i, l := range lots {
		if l.ID == lotID {
			t.lots[symbol] = append(lots[:i:i], lots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("lot %s/%s: %w", symbol, lotID, domain.ErrNotFound)
}

func (t *Transaction) StageLotUpdate(symbol string, lot domain.Lot) error {
	if err := t.check(); err != nil {
		return err
	}
	lots := t.lotsFor(symbol)
	for i, l := range lots {
		if l.ID == lot.ID {
			lot.Symbol = symbol
			lots[i] = lot
			t.lots[symbol] = lots
			return nil
		}
	}
	return fmt.Errorf("lot %s/%s: %w", symbol, lot.ID, domain.ErrNotFound)
}

// StageFill books an executed fill: cash, fee, position and lots. Opposite
// lots are consumed oldest first and the realized P&L is staged with them;
// any excess opens a new lot in the fill's direction.
func (t *Transaction) StageFill(fill domain.Fill, info domain.SymbolInfo) error {
	if err := t.check(); err != nil {
		return err
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return fmt.Errorf("fill %s: quantity and price must be positive", fill.OrderID)
	}
	if fill.Time.IsZero() {
		fill.Time = t.p.now()
	}
	t.SetSymbolInfo(info)

	sym := fill.Symbol
	signed := fill.Quantity.Mul(decimal.NewFromInt(fill.Side.Sign()))
	t.cashDelta = t.cashDelta.Sub(signed.Mul(fill.Price))
	t.fees = t.fees.Add(fill.Fee)
	t.fillFees = t.fillFees.Add(fill.Fee)
	t.posDelta[sym] = t.posDelta[sym].Add(signed)

	remaining := signed
	realized := decimal.Zero
	var kept []domain.Lot
	for _, lot := range t.lotsFor(sym) {
		if remaining.IsZero() || lot.Quantity.Sign() == remaining.Sign() {
			kept = append(kept, lot)
			continue
		}
		lotSign := decimal.NewFromInt(int64(lot.Quantity.Sign()))
		take := money.Min(remaining.Abs(), lot.Quantity.Abs())
		realized = realized.Add(take.Mul(fill.Price.Sub(lot.Price)).Mul(lotSign))
		lot.Quantity = lot.Quantity.Sub(take.Mul(lotSign))
		remaining = remaining.Add(take.Mul(lotSign))
		if !lot.Quantity.IsZero() {
			kept = append(kept, lot)
		}
	}
	if !remaining.IsZero() {
		fee := decimal.Zero
		if remaining.Equal(signed) {
			fee = fill.Fee
		}
		kept = append(kept, domain.Lot{
			ID:       uuid.NewString(),
			Symbol:   sym,
			Quantity: remaining,
			Price:    fill.Price,
			Fee:      fee,
			OpenedAt: fill.Time,
		})
	}
	t.lots[sym] = kept
	t.realizedDelta = t.realizedDelta.Add(realized)
	t.lotRealized = t.lotRealized.Add(realized)
	t.fills = append(t.fills, fill)
	return nil
}

// Position is the staged signed quantity for symbol.
func (t *Transaction) Position(symbol string) decimal.Decimal {
	return t.base.Positions[symbol].Quantity.Add(t.posDelta[symbol])
}

// lotsFor returns the staged lot book for symbol, copying the committed one
// on first touch.
func (t *Transaction) lotsFor(symbol string) []domain.Lot {
	if lots, ok := t.lots[symbol]; ok {
		return lots
	}
	base := t.base.Lots[symbol]
	lots := make([]domain.Lot, len(base))
	copy(lots, base)
	t.lots[symbol] = lots
	return lots
}

func (t *Transaction) touched() []string {
	seen := make(map[string]struct{})
	for s := range t.posDelta {
		seen[s] = struct{}{}
	}
	for s := range t.lots {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (t *Transaction) validationInput(marks map[string]decimal.Decimal) ValidationInput {
	previous := make(map[string]decimal.Decimal, len(t.base.Positions))
	after := make(map[string]decimal.Decimal, len(t.base.Positions))
	for sym, pos := range t.base.Positions {
		previous[sym] = pos.Quantity
		after[sym] = pos.Quantity
	}
	for sym, d := range t.posDelta {
		after[sym] = after[sym].Add(d)
	}
	lots := make(map[string][]domain.Lot, len(t.base.Lots))
	for sym, l := range t.base.Lots {
		lots[sym] = l
	}
	for sym, l := range t.lots {
		lots[sym] = l
	}

	var exposures []SymbolExposure
	for _, sym := range t.touched() {
		qty := money.Max(after[sym].Abs(), t.posDelta[sym].Abs())
		exposures = append(exposures, SymbolExposure{Symbol: sym, Quantity: qty, PriceTick: t.info[sym].PriceTick})
	}

	return ValidationInput{
		PreviousCash:      t.base.Cash,
		PreviousEquity:    t.base.Equity,
		PreviousPositions: previous,
		CashAfter:         t.base.Cash.Add(t.cashDelta).Sub(t.fees),
		PositionsAfter:    after,
		LotsAfter:         lots,
		Marks:             marks,
		Info:              t.info,
		StagedRealizedPnL: t.realizedDelta,
		ManualRealizedPnL: t.manualRealized,
		LotRealizedPnL:    t.lotRealized,
		StagedFees:        t.fees,
		FillFees:          t.fillFees,
		Exposures:         exposures,
	}
}

// Commit validates the staged total against marks and, if allowed, writes
// every change in one repository transaction. A rejected or failed commit
// leaves the committed state untouched and closes the transaction.
func (t *Transaction) Commit(ctx context.Context, marks map[string]decimal.Decimal) (bool, *domain.ValidationResult, error) {
	if err := t.check(); err != nil {
		return false, nil, err
	}
	defer t.finish()

	in := t.validationInput(marks)
	res := t.p.validator.Validate(in)
	t.p.report(t.session, res)
	if !res.Commit {
		return false, &res, nil
	}

	now := t.p.now()
	err := t.p.repo.WithinTx(ctx, func(w domain.PortfolioWriter) error {
		for _, sym := range t.touched() {
			qty := in.PositionsAfter[sym]
			lots := in.LotsAfter[sym]
			if qty.IsZero() {
				if err := w.RemovePosition(ctx, t.session, sym); err != nil {
					return fmt.Errorf("remove position %s: %w", sym, err)
				}
			} else {
				pos := domain.Position{
					Symbol:    sym,
					Quantity:  qty,
					AvgPrice:  averagePrice(lots, t.base.Positions[sym].AvgPrice),
					UpdatedAt: now,
				}
				if err := w.SavePosition(ctx, t.session, pos); err != nil {
					return fmt.Errorf("save position %s: %w", sym, err)
				}
			}
			if err := w.SetLotbook(ctx, t.session, sym, lots); err != nil {
				return fmt.Errorf("set lotbook %s: %w", sym, err)
			}
		}
		for _, f := range t.fills {
			if err := w.SaveFill(ctx, t.session, f); err != nil {
				return fmt.Errorf("save fill %s: %w", f.OrderID, err)
			}
		}
		return w.SaveCashEquity(ctx, t.session, domain.CashEquity{
			Cash:        in.CashAfter,
			Equity:      res.ActualEquity,
			RealizedPnL: t.base.RealizedPnL.Add(t.realizedDelta),
			RecordedAt:  now,
		})
	})
	if err != nil {
		t.p.logger.Error("Portfolio commit failed, nothing persisted",
			zap.String("session", t.session),
			zap.Error(err))
		return false, &res, fmt.Errorf("commit portfolio %s: %w", t.session, err)
	}
	return true, &res, nil
}

// Close discards anything not committed. Safe to call more than once.
func (t *Transaction) Close() {
	if t.done {
		return
	}
	t.p.logger.Debug("Portfolio transaction rolled back", zap.String("session", t.session))
	t.finish()
}

func (t *Transaction) finish() {
	if t.done {
		return
	}
	t.done = true
	t.p.release(t.session)
}

// averagePrice weights lot prices by size, keeping fallback for an empty book.
func averagePrice(lots []domain.Lot, fallback decimal.Decimal) decimal.Decimal {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, l := range lots {
		notional = notional.Add(l.Quantity.Abs().Mul(l.Price))
		qty = qty.Add(l.Quantity.Abs())
	}
	if qty.IsZero() {
		return fallback
	}
	return notional.Div(qty)
}
