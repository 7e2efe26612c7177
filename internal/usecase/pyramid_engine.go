package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

const (
	ReasonPyramidDisabled  = "pyramiding_disabled"
	ReasonMaxAddsReached   = "max_adds_reached"
	ReasonAddCooldown      = "cooldown"
	ReasonInvalidRisk      = "invalid_risk"
	ReasonBelowNextTrigger = "below_next_trigger"
	ReasonNoTriggersLeft   = "no_triggers_left"
	ReasonTriggerReached   = "trigger_reached"
)

type AddDecision struct {
	Allowed  bool
	Reason   string
	TriggerR decimal.Decimal
	CurrentR decimal.Decimal
}

// PyramidEngine gates scale-ins on R-multiple triggers. Each trigger fires
// at most once per position and the stop it recommends never loosens.
type PyramidEngine struct {
	cfg      config.PyramidConfig
	triggers []decimal.Decimal
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[string]*domain.PyramidState
}

func NewPyramidEngine(cfg config.PyramidConfig, logger *zap.Logger) *PyramidEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	triggers := append([]decimal.Decimal(nil), cfg.TriggersR...)
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].LessThan(triggers[j]) })
	return &PyramidEngine{
		cfg:      cfg,
		triggers: triggers,
		logger:   logger,
		now:      time.Now,
		states:   make(map[string]*domain.PyramidState),
	}
}

// CanAdd reports whether the position may be scaled into at current. The
// side follows from where the initial stop sits relative to entry. The
// first call for a symbol pins its entry and initial stop.
func (e *PyramidEngine) CanAdd(symbol string, entry, current, initialStop decimal.Decimal) AddDecision {
	if !e.cfg.Enabled {
		return AddDecision{Reason: ReasonPyramidDisabled}
	}
	riskUnit := entry.Sub(initialStop).Abs()
	if !entry.IsPositive() || !riskUnit.IsPositive() {
		return AddDecision{Reason: ReasonInvalidRisk}
	}

	e.mu.Lock()
	state, ok := e.states[symbol]
	if !ok {
		side := domain.SideLong
		if initialStop.GreaterThan(entry) {
			side = domain.SideShort
		}
		state = &domain.PyramidState{
			Symbol:       symbol,
			Side:         side,
			InitialEntry: entry,
			InitialStop:  initialStop,
		}
		e.states[symbol] = state
		e.logger.Debug("Pyramid state initialized",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Stringer("entry", entry))
	}
	snapshot := *state
	e.mu.Unlock()

	sign := decimal.NewFromInt(snapshot.Side.Sign())
	currentR := current.Sub(snapshot.InitialEntry).Mul(sign).Div(snapshot.InitialEntry.Sub(snapshot.InitialStop).Abs())
	out := AddDecision{CurrentR: currentR}

	if snapshot.AddsCount >= e.cfg.MaxAdds {
		out.Reason = ReasonMaxAddsReached
		return out
	}
	if e.cfg.MinInterval > 0 && !snapshot.LastAddAt.IsZero() && e.now().Sub(snapshot.LastAddAt) < e.cfg.MinInterval {
		out.Reason = ReasonAddCooldown
		return out
	}

	next, ok := e.nextTrigger(&snapshot)
	if !ok {
		out.Reason = ReasonNoTriggersLeft
		return out
	}
	out.TriggerR = next
	if currentR.LessThan(next) {
		out.Reason = ReasonBelowNextTrigger
		return out
	}
	out.Allowed = true
	out.Reason = ReasonTriggerReached
	return out
}

func (e *PyramidEngine) nextTrigger(s *domain.PyramidState) (decimal.Decimal, bool) {
	for _, r := range e.triggers {
		if !s.TriggerUsed(r) {
			return r, true
		}
	}
	return decimal.Zero, false
}

// RecordAdd marks triggerR as used and returns the stop to run with:
// entry + (triggerR - cushion) * R, or currentStop if that is tighter.
func (e *PyramidEngine) RecordAdd(symbol string, triggerR, price, currentStop decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[symbol]
	if !ok {
		return currentStop, fmt.Errorf("record add for %s: %w", symbol, domain.ErrNotFound)
	}
	if state.TriggerUsed(triggerR) {
		return currentStop, fmt.Errorf("record add for %s: trigger %sR already used", symbol, triggerR)
	}
	if state.AddsCount >= e.cfg.MaxAdds {
		return currentStop, fmt.Errorf("record add for %s: %s", symbol, ReasonMaxAddsReached)
	}

	state.AddsCount++
	state.AddRMultiples = append(state.AddRMultiples, triggerR)
	state.AddPrices = append(state.AddPrices, price)
	state.LastAddAt = e.now()

	sign := decimal.NewFromInt(state.Side.Sign())
	riskUnit := state.InitialEntry.Sub(state.InitialStop).Abs()
	candidate := state.InitialEntry.Add(sign.Mul(triggerR.Sub(e.cfg.CushionR)).Mul(riskUnit))

	newStop := candidate
	if currentStop.IsPositive() {
		if state.Side == domain.SideShort {
			newStop = money.Min(currentStop, candidate)
		} else {
			newStop = money.Max(currentStop, candidate)
		}
	}

	e.logger.Info("Pyramid add recorded",
		zap.String("symbol", symbol),
		zap.Stringer("trigger_r", triggerR),
		zap.Stringer("price", price),
		zap.Int("adds", state.AddsCount),
		zap.Stringer("stop", newStop))
	return newStop, nil
}

// AddQuantity sizes an add as a fraction of the initial quantity.
func (e *PyramidEngine) AddQuantity(initialQty decimal.Decimal, info domain.SymbolInfo) decimal.Decimal {
	return info.QuantizeQty(initialQty.Mul(e.cfg.AddFraction))
}

func (e *PyramidEngine) State(symbol string) (domain.PyramidState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[symbol]
	if !ok {
		return domain.PyramidState{}, false
	}
	out := *s
	out.AddRMultiples = append([]decimal.Decimal(nil), s.AddRMultiples...)
	out.AddPrices = append([]decimal.Decimal(nil), s.AddPrices...)
	return out, true
}

// Clear drops the state once the position is fully closed.
func (e *PyramidEngine) Clear(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, symbol)
}
