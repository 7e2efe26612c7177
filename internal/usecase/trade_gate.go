package usecase

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_risk/internal/config"
)

const (
	ReasonRRTooLow       = "rr_too_low"
	ReasonScoreBelowGate = "score_below_gate"
	ReasonGatePassed     = "passed"
)

type GateInput struct {
	RR                decimal.Decimal
	Score             float64
	AdaptiveThreshold float64
	RealizedVol       float64
	AverageVol        float64
}

type GateDecision struct {
	Allowed       bool
	Reason        string
	EffectiveGate float64
}

// TradeGate decides whether a sized, protected trade may be submitted.
type TradeGate struct {
	cfg config.GateConfig
}

func NewTradeGate(cfg config.GateConfig) *TradeGate {
	return &TradeGate{cfg: cfg}
}

// EffectiveGate is max(adaptive - margin, floor), lowered by a bounded ease
// when realized volatility runs above its average. The floor always binds.
func (g *TradeGate) EffectiveGate(adaptive, realizedVol, avgVol float64) float64 {
	gate := math.Max(adaptive-g.cfg.Margin, g.cfg.HardFloor)
	if g.cfg.VolEaseEnabled && avgVol > 0 && realizedVol > avgVol {
		ease := math.Min((realizedVol/avgVol-1)*g.cfg.VolEaseFactor, g.cfg.VolEaseMax)
		gate = math.Max(gate-ease, g.cfg.HardFloor)
	}
	return gate
}

// ValidateTradeParameters rejects RR below the minimum regardless of score,
// then requires the composite score to clear the effective gate.
func (g *TradeGate) ValidateTradeParameters(in GateInput) GateDecision {
	minRR := g.cfg.MinRR
	if !minRR.IsPositive() {
		minRR = decimal.RequireFromString("1.30")
	}
	gate := g.EffectiveGate(in.AdaptiveThreshold, in.RealizedVol, in.AverageVol)
	if in.RR.LessThan(minRR) {
		return GateDecision{Allowed: false, Reason: ReasonRRTooLow, EffectiveGate: gate}
	}
	if in.Score < gate {
		return GateDecision{Allowed: false, Reason: ReasonScoreBelowGate, EffectiveGate: gate}
	}
	return GateDecision{Allowed: true, Reason: ReasonGatePassed, EffectiveGate: gate}
}
