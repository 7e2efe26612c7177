package usecase

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

type LevelsSource string

const (
	SourceStrategy   LevelsSource = "strategy"
	SourceATR        LevelsSource = "atr"
	SourcePercentage LevelsSource = "percentage"
	SourceEmergency  LevelsSource = "emergency"
)

// Levels is a stop/target pair and the tier that produced it.
type Levels struct {
	Stop   decimal.Decimal
	Target decimal.Decimal
	Source LevelsSource
}

var (
	errTierUnavailable = errors.New("tier inputs unavailable")
	errTierDisabled    = errors.New("tier disabled")
)

// SLTPDeriver picks stop-loss and take-profit prices from a fixed priority
// chain: strategy, ATR, percentage, emergency.
type SLTPDeriver struct {
	cfg    config.SLTPConfig
	logger *zap.Logger
}

func NewSLTPDeriver(cfg config.SLTPConfig, logger *zap.Logger) *SLTPDeriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SLTPDeriver{cfg: cfg, logger: logger}
}

type tier struct {
	source LevelsSource
	fn     func() (Levels, error)
}

// Derive returns the first tier whose levels are ordered for the side and
// keep the minimum distance from entry. Only an invalid entry fails.
func (d *SLTPDeriver) Derive(entry decimal.Decimal, side domain.Side, atr, strategySL, strategyTP decimal.Decimal) (Levels, error) {
	if !entry.IsPositive() {
		return Levels{}, fmt.Errorf("derive sl/tp at %s: %w", entry, domain.ErrInvalidEntryPrice)
	}
	if !side.Valid() {
		return Levels{}, fmt.Errorf("derive sl/tp: unknown side %q", side)
	}

	tiers := []tier{
		{SourceStrategy, func() (Levels, error) { return d.fromStrategy(entry, side, strategySL, strategyTP) }},
		{SourceATR, func() (Levels, error) { return d.fromATR(entry, side, atr) }},
		{SourcePercentage, func() (Levels, error) { return d.fromPercentage(entry, side) }},
	}

	for _, t := range tiers {
		levels, err := t.fn()
		if err == nil {
			return levels, nil
		}
		d.logger.Debug("SL/TP tier skipped",
			zap.String("tier", string(t.source)),
			zap.String("side", string(side)),
			zap.Stringer("entry", entry),
			zap.Error(err))
	}

	levels := d.emergency(entry, side)
	d.logger.Warn("SL/TP emergency fallback used",
		zap.String("side", string(side)),
		zap.Stringer("entry", entry),
		zap.Stringer("stop", levels.Stop),
		zap.Stringer("target", levels.Target))
	return levels, nil
}

func (d *SLTPDeriver) fromStrategy(entry decimal.Decimal, side domain.Side, sl, tp decimal.Decimal) (Levels, error) {
	if !sl.IsPositive() || !tp.IsPositive() {
		return Levels{}, errTierUnavailable
	}
	l := Levels{Stop: sl, Target: tp, Source: SourceStrategy}
	return l, d.check(entry, side, l)
}

func (d *SLTPDeriver) fromATR(entry decimal.Decimal, side domain.Side, atr decimal.Decimal) (Levels, error) {
	if !atr.IsPositive() {
		return Levels{}, errTierUnavailable
	}
	sign := decimal.NewFromInt(side.Sign())
	l := Levels{
		Stop:   entry.Sub(sign.Mul(d.cfg.SLMultiplier).Mul(atr)),
		Target: entry.Add(sign.Mul(d.cfg.TPMultiplier).Mul(atr)),
		Source: SourceATR,
	}
	return l, d.check(entry, side, l)
}

func (d *SLTPDeriver) fromPercentage(entry decimal.Decimal, side domain.Side) (Levels, error) {
	if !d.cfg.PercentFallbackEnabled {
		return Levels{}, errTierDisabled
	}
	l := pctLevels(entry, side, d.cfg.FallbackSLPct, d.cfg.FallbackTPPct)
	l.Source = SourcePercentage
	return l, d.check(entry, side, l)
}

func (d *SLTPDeriver) emergency(entry decimal.Decimal, side domain.Side) Levels {
	slPct, tpPct := d.cfg.EmergencySLPct, d.cfg.EmergencyTPPct
	if !slPct.IsPositive() || slPct.GreaterThanOrEqual(money.Hundred) {
		slPct = decimal.NewFromInt(2)
	}
	if !tpPct.IsPositive() || tpPct.GreaterThanOrEqual(money.Hundred) {
		tpPct = decimal.NewFromInt(4)
	}
	l := pctLevels(entry, side, slPct, tpPct)
	l.Source = SourceEmergency
	return l
}

func pctLevels(entry decimal.Decimal, side domain.Side, slPct, tpPct decimal.Decimal) Levels {
	sign := decimal.NewFromInt(side.Sign())
	return Levels{
		Stop:   entry.Sub(sign.Mul(money.Pct(entry, slPct))),
		Target: entry.Add(sign.Mul(money.Pct(entry, tpPct))),
	}
}

// check enforces long: stop < entry < target, short: target < entry < stop,
// positive prices and the minimum distance on both legs.
func (d *SLTPDeriver) check(entry decimal.Decimal, side domain.Side, l Levels) error {
	if !l.Stop.IsPositive() || !l.Target.IsPositive() {
		return fmt.Errorf("non-positive levels stop=%s target=%s", l.Stop, l.Target)
	}
	if !OrderedForSide(side, l.Stop, entry, l.Target) {
		return fmt.Errorf("levels out of order for %s: stop=%s entry=%s target=%s", side, l.Stop, entry, l.Target)
	}
	minDist := money.Pct(entry, d.cfg.MinDistancePct)
	if entry.Sub(l.Stop).Abs().LessThan(minDist) || l.Target.Sub(entry).Abs().LessThan(minDist) {
		return fmt.Errorf("levels closer than %s to entry", minDist)
	}
	return nil
}

// OrderedForSide reports stop < entry < target for long and the mirror for short.
func OrderedForSide(side domain.Side, stop, entry, target decimal.Decimal) bool {
	if side == domain.SideShort {
		return target.LessThan(entry) && entry.LessThan(stop)
	}
	return stop.LessThan(entry) && entry.LessThan(target)
}

// ComputeRR returns reward/risk after pushing the entry against us by the
// slippage and the target against us by the fee. Risk is floored at the
// configured minimum distance and the result is never negative.
func (d *SLTPDeriver) ComputeRR(entry, stop, target decimal.Decimal, side domain.Side, feeBps, slipBps decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	var reward, risk decimal.Decimal
	if side == domain.SideShort {
		effEntry := entry.Mul(money.BpsFactor(slipBps, -1))
		effTarget := target.Mul(money.BpsFactor(feeBps, 1))
		reward = effEntry.Sub(effTarget)
		risk = stop.Sub(effEntry)
	} else {
		effEntry := entry.Mul(money.BpsFactor(slipBps, 1))
		effTarget := target.Mul(money.BpsFactor(feeBps, -1))
		reward = effTarget.Sub(effEntry)
		risk = effEntry.Sub(stop)
	}

	floor := d.cfg.MinRiskDistance
	if !floor.IsPositive() {
		floor = decimal.New(1, -8)
	}
	risk = money.Max(risk, floor)
	if !reward.IsPositive() {
		return decimal.Zero
	}
	return reward.Div(risk)
}
