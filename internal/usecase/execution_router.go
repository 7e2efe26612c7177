package usecase

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
)

// Action is the directional call coming out of signal scoring.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Intent is the closed set of ways an order can be executed.
type Intent string

const (
	IntentNormal  Intent = "NORMAL"
	IntentPilot   Intent = "PILOT"
	IntentExplore Intent = "EXPLORE"
	IntentExit    Intent = "EXIT"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentNormal, IntentPilot, IntentExplore, IntentExit:
		return true
	}
	return false
}

type Decision string

const (
	DecisionSubmit Decision = "SUBMIT"
	DecisionSkip   Decision = "SKIP"
)

const (
	ReasonOpenLong         = "open_long"
	ReasonOpenShort        = "open_short"
	ReasonCloseLong        = "close_long"
	ReasonCloseShort       = "close_short"
	ReasonAlreadyLong      = "already_long_no_pyramid"
	ReasonAlreadyShort     = "already_short"
	ReasonShortingDisabled = "shorting_disabled"
	ReasonHold             = "hold"
	ReasonUnknownAction    = "unknown_action"
	ReasonExplorationSpent = "exploration_budget_exhausted"
)

type RouteRequest struct {
	Symbol        string
	Action        Action
	HasPosition   bool
	PositionSide  domain.Side
	IsPilot       bool
	IsExploration bool
}

type RouteDecision struct {
	Decision  Decision
	OrderSide domain.OrderSide
	Intent    Intent
	// Opens is the position side a SUBMIT entry creates; empty for exits and skips.
	Opens  domain.Side
	Reason string
}

func (d RouteDecision) Submit() bool {
	return d.Decision == DecisionSubmit
}

func skip(reason string) RouteDecision {
	return RouteDecision{Decision: DecisionSkip, Reason: reason}
}

// ExplorationBudget caps exploratory entries per session.
type ExplorationBudget struct {
	mu   sync.Mutex
	max  int
	used int
}

func NewExplorationBudget(limit int) *ExplorationBudget {
	return &ExplorationBudget{max: limit}
}

func (b *ExplorationBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return 0
	}
	return b.max - b.used
}

// Consume spends one entry, reporting false when none are left.
func (b *ExplorationBudget) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return false
	}
	b.used++
	return true
}

func (b *ExplorationBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}

// ExecutionRouter maps an action and the current position to an order
// side and intent. It never turns a sell into a close it was not asked for
// and never opens a short unless shorting is enabled globally and per symbol.
type ExecutionRouter struct {
	cfg    config.RouterConfig
	budget *ExplorationBudget
	logger *zap.Logger
}

func NewExecutionRouter(cfg config.RouterConfig, budget *ExplorationBudget, logger *zap.Logger) *ExecutionRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budget == nil {
		budget = NewExplorationBudget(cfg.MaxExploreEntries)
	}
	return &ExecutionRouter{cfg: cfg, budget: budget, logger: logger}
}

func (r *ExecutionRouter) Budget() *ExplorationBudget {
	return r.budget
}

func (r *ExecutionRouter) ShortingAllowed(symbol string) bool {
	return r.cfg.ShortingEnabled && r.cfg.ShortableSymbols[symbol]
}

func (r *ExecutionRouter) Route(req RouteRequest) RouteDecision {
	d := r.route(req)
	r.logger.Debug("Route decided",
		zap.String("symbol", req.Symbol),
		zap.String("action", string(req.Action)),
		zap.Bool("has_position", req.HasPosition),
		zap.String("decision", string(d.Decision)),
		zap.String("intent", string(d.Intent)),
		zap.String("reason", d.Reason))
	return d
}

func (r *ExecutionRouter) route(req RouteRequest) RouteDecision {
	switch req.Action {
	case ActionHold:
		return skip(ReasonHold)

	case ActionBuy:
		if req.HasPosition {
			if req.PositionSide == domain.SideShort {
				return RouteDecision{Decision: DecisionSubmit, OrderSide: domain.OrderSideBuy, Intent: IntentExit, Reason: ReasonCloseShort}
			}
			return skip(ReasonAlreadyLong)
		}
		return r.entry(req, domain.SideLong, ReasonOpenLong)

	case ActionSell:
		if req.HasPosition {
			if req.PositionSide == domain.SideLong {
				return RouteDecision{Decision: DecisionSubmit, OrderSide: domain.OrderSideSell, Intent: IntentExit, Reason: ReasonCloseLong}
			}
			return skip(ReasonAlreadyShort)
		}
		if !r.ShortingAllowed(req.Symbol) {
			return skip(ReasonShortingDisabled)
		}
		return r.entry(req, domain.SideShort, ReasonOpenShort)
	}
	return skip(ReasonUnknownAction)
}

// entry picks the intent for a new position. Only EXPLORE draws on the
// exploration budget.
func (r *ExecutionRouter) entry(req RouteRequest, side domain.Side, reason string) RouteDecision {
	intent := IntentNormal
	switch {
	case req.IsExploration:
		intent = IntentExplore
	case req.IsPilot:
		intent = IntentPilot
	}
	if intent == IntentExplore && r.budget.Remaining() <= 0 {
		return skip(ReasonExplorationSpent)
	}
	return RouteDecision{
		Decision:  DecisionSubmit,
		OrderSide: side.EntryOrderSide(),
		Intent:    intent,
		Opens:     side,
		Reason:    reason,
	}
}
