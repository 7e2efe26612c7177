package usecase

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

const (
	ReasonNegativeCash     = "negative_cash"
	ReasonNegativeEquity   = "negative_equity"
	ReasonCrossSymbolLeak  = "cross_symbol_leak"
	ReasonEquityMismatch   = "equity_mismatch_exceeds_reconcile_limit"
	ReasonWithinTolerance  = "within_tolerance"
	ReasonAutoReconciled   = "auto_reconciled"
	ReasonRealizedPnLDrift = "realized_pnl_mismatch"
)

// SymbolExposure feeds the adaptive tolerance: one entry per symbol the
// transaction touched.
type SymbolExposure struct {
	Symbol    string
	Quantity  decimal.Decimal
	PriceTick decimal.Decimal
}

// ValidationInput is the committed snapshot plus the staged state after
// applying every delta.
type ValidationInput struct {
	PreviousCash      decimal.Decimal
	PreviousEquity    decimal.Decimal
	PreviousPositions map[string]decimal.Decimal

	CashAfter      decimal.Decimal
	PositionsAfter map[string]decimal.Decimal
	LotsAfter      map[string][]domain.Lot

	Marks map[string]decimal.Decimal
	Info  map[string]domain.SymbolInfo

	// StagedRealizedPnL is the total staged. ManualRealizedPnL is the part
	// staged directly rather than through fills; only the rest has to agree
	// with LotRealizedPnL.
	StagedRealizedPnL decimal.Decimal
	ManualRealizedPnL decimal.Decimal
	LotRealizedPnL    decimal.Decimal
	StagedFees        decimal.Decimal
	FillFees          decimal.Decimal

	Exposures []SymbolExposure
}

// PortfolioValidator decides whether a staged transaction may be committed.
// Expected equity values the lot book, actual equity values the staged
// positions; both share the staged cash.
type PortfolioValidator struct {
	cfg    config.PortfolioConfig
	logger *zap.Logger
}

func NewPortfolioValidator(cfg config.PortfolioConfig, logger *zap.Logger) *PortfolioValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortfolioValidator{cfg: cfg, logger: logger}
}

// Epsilon sums max(floor, ticks * tick * |qty|) over symbols with non-zero
// exposure. The floor applies even when nothing is exposed.
func (v *PortfolioValidator) Epsilon(exposures []SymbolExposure) decimal.Decimal {
	floor := v.cfg.EpsilonFloor
	ticks := v.cfg.EpsilonTicks
	eps := decimal.Zero
	for _, e := range exposures {
		if e.Quantity.IsZero() {
			continue
		}
		eps = eps.Add(money.Max(floor, ticks.Mul(e.PriceTick).Mul(e.Quantity.Abs())))
	}
	return money.Max(eps, floor)
}

func (v *PortfolioValidator) Validate(in ValidationInput) domain.ValidationResult {
	eps := v.Epsilon(in.Exposures)

	symbols := symbolUnion(in.PositionsAfter, in.LotsAfter, in.PreviousPositions)
	res := domain.ValidationResult{
		Epsilon:          eps,
		PreviousEquity:   in.PreviousEquity,
		CashDelta:        in.CashAfter.Sub(in.PreviousCash),
		RealizedPnLDelta: in.StagedRealizedPnL,
		FeeDiscrepancy:   in.StagedFees.Sub(in.FillFees),
		PerSymbol:        make(map[string]decimal.Decimal),
	}

	actualPositions := decimal.Zero
	expectedPositions := decimal.Zero
	previousPositions := decimal.Zero
	var leak string
	for _, sym := range symbols {
		mark := v.mark(in, sym)
		qty := in.PositionsAfter[sym]
		lotQty := decimal.Zero
		for _, l := range in.LotsAfter[sym] {
			lotQty = lotQty.Add(l.Quantity)
		}

		actual := qty.Mul(mark)
		expected := lotQty.Mul(mark)
		actualPositions = actualPositions.Add(actual)
		expectedPositions = expectedPositions.Add(expected)
		previousPositions = previousPositions.Add(in.PreviousPositions[sym].Mul(mark))

		diff := actual.Sub(expected)
		if !diff.IsZero() {
			res.PerSymbol[sym] = diff
		}
		threshold := money.Pct(expected.Abs(), v.cfg.LeakPct)
		if expected.IsZero() {
			threshold = eps
		}
		if leak == "" && diff.Abs().GreaterThan(threshold) {
			leak = sym
		}

		step := in.Info[sym].StepSize
		residue := qty.Abs().Sub(money.QuantizeDown(qty.Abs(), step))
		res.RoundingResidue = res.RoundingResidue.Add(residue.Mul(mark))
	}

	res.ActualEquity = in.CashAfter.Add(actualPositions)
	res.ExpectedEquity = in.CashAfter.Add(expectedPositions)
	res.EquityDelta = res.ActualEquity.Sub(res.ExpectedEquity)
	res.PositionsValueDelta = actualPositions.Sub(previousPositions)
	realizedDrift := in.StagedRealizedPnL.Sub(in.ManualRealizedPnL).Sub(in.LotRealizedPnL).Abs()

	switch {
	case in.CashAfter.IsNegative():
		res.Severity, res.Reason = domain.SeverityCritical, ReasonNegativeCash
	case res.ActualEquity.IsNegative():
		res.Severity, res.Reason = domain.SeverityCritical, ReasonNegativeEquity
	case leak != "":
		res.Severity, res.Reason = domain.SeverityCritical, ReasonCrossSymbolLeak+":"+leak
	case res.EquityDelta.Abs().LessThanOrEqual(eps):
		res.Commit = true
		res.Severity, res.Reason = domain.SeverityOK, ReasonWithinTolerance
		// equal books are ok whatever the realized figures say
		if !res.EquityDelta.IsZero() && realizedDrift.GreaterThan(eps) {
			res.Severity, res.Reason = domain.SeverityWarning, ReasonRealizedPnLDrift
		}
	case v.cfg.AutoReconcile && v.withinReconcileLimit(res.EquityDelta, in.PreviousEquity):
		res.Commit = true
		res.Severity, res.Reason = domain.SeverityReconciled, ReasonAutoReconciled
	default:
		res.Severity, res.Reason = domain.SeverityCritical, ReasonEquityMismatch
	}
	return res
}

func (v *PortfolioValidator) withinReconcileLimit(delta, previousEquity decimal.Decimal) bool {
	if !previousEquity.IsPositive() {
		return false
	}
	pct := delta.Abs().Div(previousEquity).Mul(money.Hundred)
	return pct.LessThanOrEqual(v.cfg.MaxAutoReconcilePct)
}

// mark prices a symbol, falling back to the oldest lot price when the
// caller supplied none.
func (v *PortfolioValidator) mark(in ValidationInput, sym string) decimal.Decimal {
	if m, ok := in.Marks[sym]; ok && m.IsPositive() {
		return m
	}
	if lots := in.LotsAfter[sym]; len(lots) > 0 {
		return lots[0].Price
	}
	v.logger.Warn("No mark price for symbol, valuing at zero", zap.String("symbol", sym))
	return decimal.Zero
}

func symbolUnion(positions map[string]decimal.Decimal, lots map[string][]domain.Lot, previous map[string]decimal.Decimal) []string {
	seen := make(map[string]struct{})
	for s := range positions {
		seen[s] = struct{}{}
	}
	for s := range lots {
		seen[s] = struct{}{}
	}
	for s := range previous {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
