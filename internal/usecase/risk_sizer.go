package usecase

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

// Rejection and cap reasons produced by the sizer.
const (
	ReasonInvalidEntry        = "invalid_entry_price"
	ReasonNoEquity            = "no_equity"
	ReasonZeroStopDistance    = "zero_stop_distance"
	ReasonSymbolCapExceeded   = "symbol_cap_exceeded"
	ReasonSessionCapExceeded  = "session_cap_exceeded"
	ReasonBelowMinNotional    = "below_min_notional"
	ReasonExchangeMinQty      = "exchange_min_qty"
	ReasonExchangeMinNotional = "exchange_min_notional"
	ReasonZeroQuantity        = "zero_quantity"
	ReasonNoEdge              = "no_edge"

	CapMaxNotionalPct = "max_notional_pct"
	CapSymbol         = "per_symbol_cap"
	CapSession        = "session_cap"
)

type SizeRequest struct {
	Symbol          string
	Entry           decimal.Decimal
	Side            domain.Side
	Equity          decimal.Decimal
	ATR             decimal.Decimal // zero when unavailable
	StopLoss        decimal.Decimal // zero when not yet derived
	SymbolExposure  decimal.Decimal // notional already committed on this symbol
	SessionExposure decimal.Decimal // notional already committed this session
	IsExploration   bool
	Info            domain.SymbolInfo
}

type SizeResult struct {
	Quantity     decimal.Decimal
	Notional     decimal.Decimal
	RiskAmount   decimal.Decimal
	StopDistance decimal.Decimal
	CapReason    string
	RejectReason string
}

func (r SizeResult) Rejected() bool {
	return r.RejectReason != ""
}

// TradeStats feeds the Kelly variant.
type TradeStats struct {
	WinRate decimal.Decimal `json:"win_rate"`
	AvgWin  decimal.Decimal `json:"avg_win"`
	AvgLoss decimal.Decimal `json:"avg_loss"`
}

type RiskSizer struct {
	cfg    config.RiskConfig
	logger *zap.Logger
}

func NewRiskSizer(cfg config.RiskConfig, logger *zap.Logger) *RiskSizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskSizer{cfg: cfg, logger: logger}
}

// StopDistance returns |entry-stop| when a stop is known, otherwise
// atr% * multiplier * entry with a 2%-of-price style fallback for missing ATR.
func (s *RiskSizer) StopDistance(entry, stop, atr decimal.Decimal) decimal.Decimal {
	if stop.IsPositive() {
		return entry.Sub(stop).Abs()
	}
	atrPct := money.DivOrZero(s.cfg.ATRFallbackPct, money.Hundred)
	if atr.IsPositive() {
		atrPct = atr.Div(entry)
	}
	mult := s.cfg.StopATRMultiplier
	if !mult.IsPositive() {
		mult = money.One
	}
	return atrPct.Mul(mult).Mul(entry)
}

// Size derives a risk-budgeted quantity and runs it through the cap chain,
// quantization, the notional floor and exchange validation.
func (s *RiskSizer) Size(req SizeRequest) SizeResult {
	if !req.Entry.IsPositive() {
		return reject(ReasonInvalidEntry)
	}
	if !req.Equity.IsPositive() {
		return reject(ReasonNoEquity)
	}

	dist := s.StopDistance(req.Entry, req.StopLoss, req.ATR)
	if !dist.IsPositive() {
		return reject(ReasonZeroStopDistance)
	}

	riskAmount := money.Pct(req.Equity, s.cfg.RiskPerTradePct)
	qty := riskAmount.Div(dist)
	notional := qty.Mul(req.Entry)

	res := s.finish(req, notional)
	res.RiskAmount = riskAmount
	res.StopDistance = dist
	return res
}

// KellyFraction is (p*b - q)/b with b = avgWin/avgLoss, scaled by the
// fractional-Kelly factor and clamped to [min, max]. Zero when avgLoss <= 0.
func (s *RiskSizer) KellyFraction(stats TradeStats) decimal.Decimal {
	if !stats.AvgLoss.IsPositive() {
		return decimal.Zero
	}
	b := stats.AvgWin.Div(stats.AvgLoss)
	if !b.IsPositive() {
		return money.Clamp(decimal.Zero, s.cfg.MinKelly, s.cfg.MaxKelly)
	}
	p := stats.WinRate
	q := money.One.Sub(p)
	raw := p.Mul(b).Sub(q).Div(b)
	return money.Clamp(raw.Mul(s.cfg.KellyFraction), s.cfg.MinKelly, s.cfg.MaxKelly)
}

// SizeKelly sizes notional as equity * Kelly fraction, then applies the
// same cap chain and validation as Size.
func (s *RiskSizer) SizeKelly(req SizeRequest, stats TradeStats) SizeResult {
	if !req.Entry.IsPositive() {
		return reject(ReasonInvalidEntry)
	}
	if !req.Equity.IsPositive() {
		return reject(ReasonNoEquity)
	}
	f := s.KellyFraction(stats)
	if !f.IsPositive() {
		return reject(ReasonNoEdge)
	}
	res := s.finish(req, req.Equity.Mul(f))
	res.StopDistance = s.StopDistance(req.Entry, req.StopLoss, req.ATR)
	res.RiskAmount = res.Quantity.Mul(res.StopDistance)
	return res
}

func (s *RiskSizer) finish(req SizeRequest, notional decimal.Decimal) SizeResult {
	capped, capReason, rejectReason := s.applyCaps(req, notional)
	if rejectReason != "" {
		return reject(rejectReason)
	}

	qty := req.Info.QuantizeQty(capped.Div(req.Entry))

	floor := s.cfg.MinNotionalUSD
	if req.IsExploration {
		floor = s.cfg.ExplorationMinNotional
	}
	if floor.IsPositive() && qty.Mul(req.Entry).LessThan(floor) {
		qty = money.QuantizeUp(floor.Div(req.Entry), req.Info.StepSize)
		if capReason != "" && qty.Mul(req.Entry).GreaterThan(capped) {
			s.logger.Debug("Notional floor exceeds binding cap",
				zap.String("symbol", req.Symbol),
				zap.String("cap", capReason),
				zap.Stringer("floor", floor))
			return reject(ReasonBelowMinNotional)
		}
	}

	if reason := validateExchangeSize(qty, req.Entry, req.Info); reason != "" {
		return reject(reason)
	}

	return SizeResult{
		Quantity:  qty,
		Notional:  qty.Mul(req.Entry),
		CapReason: capReason,
	}
}

// applyCaps walks max_notional_pct -> per-symbol -> session. Each stage only
// lowers the notional; the first cap that binds names the result.
func (s *RiskSizer) applyCaps(req SizeRequest, notional decimal.Decimal) (decimal.Decimal, string, string) {
	capReason := ""
	bind := func(limit decimal.Decimal, name string) {
		if notional.GreaterThan(limit) {
			notional = limit
			if capReason == "" {
				capReason = name
			}
		}
	}

	if s.cfg.MaxNotionalPct.IsPositive() {
		bind(money.Pct(req.Equity, s.cfg.MaxNotionalPct), CapMaxNotionalPct)
	}
	if s.cfg.PerSymbolCapUSD.IsPositive() {
		remaining := s.cfg.PerSymbolCapUSD.Sub(req.SymbolExposure)
		if !remaining.IsPositive() {
			return decimal.Zero, "", ReasonSymbolCapExceeded
		}
		bind(remaining, CapSymbol)
	}
	if s.cfg.SessionCapUSD.IsPositive() {
		remaining := s.cfg.SessionCapUSD.Sub(req.SessionExposure)
		if !remaining.IsPositive() {
			return decimal.Zero, "", ReasonSessionCapExceeded
		}
		bind(remaining, CapSession)
	}
	return notional, capReason, ""
}

func validateExchangeSize(qty, entry decimal.Decimal, info domain.SymbolInfo) string {
	if !qty.IsPositive() {
		return ReasonZeroQuantity
	}
	if info.MinQty.IsPositive() && qty.LessThan(info.MinQty) {
		return ReasonExchangeMinQty
	}
	if info.MinNotional.IsPositive() && qty.Mul(entry).LessThan(info.MinNotional) {
		return ReasonExchangeMinNotional
	}
	return ""
}

func reject(reason string) SizeResult {
	return SizeResult{
		Quantity:     decimal.Zero,
		Notional:     decimal.Zero,
		RejectReason: reason,
	}
}
