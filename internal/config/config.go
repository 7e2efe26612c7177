package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		Name         string   `yaml:"name"`
		Mode         string   `yaml:"mode"` // "paper" or "live"
		APIKey       string   `yaml:"api_key"`
		APISecret    string   `yaml:"api_secret"`
		WSEndpoint   string   `yaml:"ws_endpoint"`
		RESTEndpoint string   `yaml:"rest_endpoint"`
		Symbols      []string `yaml:"symbols"`
	} `yaml:"exchange"`
	Logging struct {
		Level    string `yaml:"level"`
		AuditLog string `yaml:"audit_log"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path    string `yaml:"path"`
		Session string `yaml:"session"`
	} `yaml:"storage"`
	Polling struct {
		TickMs int `yaml:"tick_ms"`
	} `yaml:"polling"`

	Risk      RiskConfig      `yaml:"risk"`
	SLTP      SLTPConfig      `yaml:"sltp"`
	Gate      GateConfig      `yaml:"gate"`
	Bracket   BracketConfig   `yaml:"bracket"`
	OCO       OCOConfig       `yaml:"oco"`
	Pyramid   PyramidConfig   `yaml:"pyramid"`
	Router    RouterConfig    `yaml:"router"`
	Execution ExecutionConfig `yaml:"execution"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
}

// RiskConfig drives position sizing. Percent fields are in percent units
// (0.25 means 0.25%).
type RiskConfig struct {
	RiskPerTradePct        decimal.Decimal `yaml:"risk_per_trade_pct"`
	MaxNotionalPct         decimal.Decimal `yaml:"max_notional_pct"`
	PerSymbolCapUSD        decimal.Decimal `yaml:"per_symbol_cap_usd"`
	SessionCapUSD          decimal.Decimal `yaml:"session_cap_usd"`
	ATRFallbackPct         decimal.Decimal `yaml:"atr_fallback_pct"`
	StopATRMultiplier      decimal.Decimal `yaml:"stop_atr_multiplier"`
	MinNotionalUSD         decimal.Decimal `yaml:"min_notional_usd"`
	ExplorationMinNotional decimal.Decimal `yaml:"exploration_min_notional_usd"`
	KellyFraction          decimal.Decimal `yaml:"kelly_fraction"`
	MinKelly               decimal.Decimal `yaml:"min_kelly"`
	MaxKelly               decimal.Decimal `yaml:"max_kelly"`
}

type SLTPConfig struct {
	SLMultiplier           decimal.Decimal `yaml:"sl_atr_multiplier"`
	TPMultiplier           decimal.Decimal `yaml:"tp_atr_multiplier"`
	PercentFallbackEnabled bool            `yaml:"percent_fallback_enabled"`
	FallbackSLPct          decimal.Decimal `yaml:"fallback_sl_pct"`
	FallbackTPPct          decimal.Decimal `yaml:"fallback_tp_pct"`
	EmergencySLPct         decimal.Decimal `yaml:"emergency_sl_pct"`
	EmergencyTPPct         decimal.Decimal `yaml:"emergency_tp_pct"`
	MinDistancePct         decimal.Decimal `yaml:"min_distance_pct"`
	MinRiskDistance        decimal.Decimal `yaml:"min_risk_distance"`
	FeeBps                 decimal.Decimal `yaml:"fee_bps"`
	SlippageBps            decimal.Decimal `yaml:"slippage_bps"`
}

type GateConfig struct {
	MinRR          decimal.Decimal `yaml:"min_rr"`
	Margin         float64         `yaml:"margin"`
	HardFloor      float64         `yaml:"hard_floor"`
	VolEaseEnabled bool            `yaml:"vol_ease_enabled"`
	VolEaseFactor  float64         `yaml:"vol_ease_factor"`
	VolEaseMax     float64         `yaml:"vol_ease_max"`
}

type BracketConfig struct {
	RungR             []decimal.Decimal `yaml:"rung_r"`
	RungSplit         []decimal.Decimal `yaml:"rung_split"`
	SecondRungTrailR  decimal.Decimal   `yaml:"second_rung_trail_r"`
	StopATRMultiplier decimal.Decimal   `yaml:"stop_atr_multiplier"`
}

type OCOConfig struct {
	SLATR              decimal.Decimal `yaml:"sl_atr"`
	TPATR              decimal.Decimal `yaml:"tp_atr"`
	TrailingEnabled    bool            `yaml:"trailing_enabled"`
	TrailAfterATR      decimal.Decimal `yaml:"trail_after_atr"`
	TrailStepATR       decimal.Decimal `yaml:"trail_step_atr"`
	TimeStop           time.Duration   `yaml:"time_stop"`
	ExitLimitOffsetBps decimal.Decimal `yaml:"exit_limit_offset_bps"`
	ExitLimitWait      time.Duration   `yaml:"exit_limit_wait"`
	ExitPollInterval   time.Duration   `yaml:"exit_poll_interval"`
	Retention          time.Duration   `yaml:"retention"`
}

type PyramidConfig struct {
	Enabled     bool              `yaml:"enabled"`
	TriggersR   []decimal.Decimal `yaml:"triggers_r"`
	MaxAdds     int               `yaml:"max_adds"`
	CushionR    decimal.Decimal   `yaml:"cushion_r"`
	AddFraction decimal.Decimal   `yaml:"add_fraction"`
	MinInterval time.Duration     `yaml:"min_interval"`
}

type RouterConfig struct {
	ShortingEnabled   bool            `yaml:"shorting_enabled"`
	ShortableSymbols  map[string]bool `yaml:"shortable_symbols"`
	MaxExploreEntries int             `yaml:"max_explore_entries"`
	PilotSizeFactor   decimal.Decimal `yaml:"pilot_size_factor"`
}

type ExecutionConfig struct {
	MakerWait      time.Duration `yaml:"maker_wait"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	TakerFallback  bool          `yaml:"taker_fallback"`
	OrdersPerSec   float64       `yaml:"orders_per_sec"`
	ProtectionMode string        `yaml:"protection_mode"` // "bracket" or "oco"
}

type PortfolioConfig struct {
	EpsilonFloor        decimal.Decimal `yaml:"epsilon_floor"`
	EpsilonTicks        decimal.Decimal `yaml:"epsilon_ticks"`
	AutoReconcile       bool            `yaml:"auto_reconcile"`
	MaxAutoReconcilePct decimal.Decimal `yaml:"max_auto_reconcile_pct"`
	LeakPct             decimal.Decimal `yaml:"leak_pct"`
	InitialCash         decimal.Decimal `yaml:"initial_cash"`
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ds(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

// Default returns a configuration with every knob set.
func Default() *Config {
	cfg := &Config{}
	cfg.Exchange.Name = "bybit"
	cfg.Exchange.Mode = "paper"
	cfg.Logging.Level = "info"
	cfg.Server.Port = 8080
	cfg.Storage.Path = "risk.db"
	cfg.Storage.Session = "default"
	cfg.Polling.TickMs = 1000

	cfg.Risk = RiskConfig{
		RiskPerTradePct:        d("0.25"),
		MaxNotionalPct:         d("2.5"),
		PerSymbolCapUSD:        d("0"),
		SessionCapUSD:          d("0"),
		ATRFallbackPct:         d("2"),
		StopATRMultiplier:      d("1.5"),
		MinNotionalUSD:         d("10"),
		ExplorationMinNotional: d("5"),
		KellyFraction:          d("0.25"),
		MinKelly:               d("0"),
		MaxKelly:               d("0.25"),
	}
	cfg.SLTP = SLTPConfig{
		SLMultiplier:           d("1.5"),
		TPMultiplier:           d("3"),
		PercentFallbackEnabled: true,
		FallbackSLPct:          d("1.5"),
		FallbackTPPct:          d("3"),
		EmergencySLPct:         d("2"),
		EmergencyTPPct:         d("4"),
		MinDistancePct:         d("0.1"),
		MinRiskDistance:        d("0.00000001"),
		FeeBps:                 d("10"),
		SlippageBps:            d("5"),
	}
	cfg.Gate = GateConfig{
		MinRR:          d("1.30"),
		Margin:         0.05,
		HardFloor:      0.55,
		VolEaseEnabled: false,
		VolEaseFactor:  0.05,
		VolEaseMax:     0.05,
	}
	cfg.Bracket = BracketConfig{
		RungR:             ds("0.6", "1.2", "2.0"),
		RungSplit:         ds("0.4", "0.4", "0.2"),
		SecondRungTrailR:  d("0.5"),
		StopATRMultiplier: d("1.5"),
	}
	cfg.OCO = OCOConfig{
		SLATR:              d("0.5"),
		TPATR:              d("0.7"),
		TrailingEnabled:    true,
		TrailAfterATR:      d("1.0"),
		TrailStepATR:       d("0.3"),
		TimeStop:           4 * time.Hour,
		ExitLimitOffsetBps: d("2"),
		ExitLimitWait:      5 * time.Second,
		ExitPollInterval:   500 * time.Millisecond,
		Retention:          24 * time.Hour,
	}
	cfg.Pyramid = PyramidConfig{
		Enabled:     true,
		TriggersR:   ds("1.0", "2.0"),
		MaxAdds:     2,
		CushionR:    d("0.5"),
		AddFraction: d("0.5"),
		MinInterval: time.Minute,
	}
	cfg.Router = RouterConfig{
		ShortingEnabled:   false,
		ShortableSymbols:  map[string]bool{},
		MaxExploreEntries: 3,
		PilotSizeFactor:   d("0.5"),
	}
	cfg.Execution = ExecutionConfig{
		MakerWait:      10 * time.Second,
		PollInterval:   500 * time.Millisecond,
		TakerFallback:  true,
		OrdersPerSec:   5,
		ProtectionMode: "oco",
	}
	cfg.Portfolio = PortfolioConfig{
		EpsilonFloor:        d("0.02"),
		EpsilonTicks:        d("3"),
		AutoReconcile:       true,
		MaxAutoReconcilePct: d("0.5"),
		LeakPct:             d("1"),
		InitialCash:         d("10000"),
	}
	return cfg
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	nonNegative := map[string]decimal.Decimal{
		"risk.risk_per_trade_pct":          c.Risk.RiskPerTradePct,
		"risk.max_notional_pct":            c.Risk.MaxNotionalPct,
		"risk.per_symbol_cap_usd":          c.Risk.PerSymbolCapUSD,
		"risk.session_cap_usd":             c.Risk.SessionCapUSD,
		"sltp.fee_bps":                     c.SLTP.FeeBps,
		"sltp.slippage_bps":                c.SLTP.SlippageBps,
		"portfolio.epsilon_floor":          c.Portfolio.EpsilonFloor,
		"portfolio.max_auto_reconcile_pct": c.Portfolio.MaxAutoReconcilePct,
		"oco.trail_step_atr":               c.OCO.TrailStepATR,
	}
	for name, v := range nonNegative {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if !c.Risk.RiskPerTradePct.IsPositive() {
		errs = append(errs, errors.New("risk.risk_per_trade_pct must be positive"))
	}
	if c.Risk.MinKelly.GreaterThan(c.Risk.MaxKelly) {
		errs = append(errs, errors.New("risk.min_kelly exceeds risk.max_kelly"))
	}
	if len(c.Bracket.RungR) == 0 || len(c.Bracket.RungR) != len(c.Bracket.RungSplit) {
		errs = append(errs, errors.New("bracket.rung_r and bracket.rung_split must be non-empty and equal length"))
	} else {
		total := decimal.Zero
		for _, s := range c.Bracket.RungSplit {
			total = total.Add(s)
		}
		if !total.Equal(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("bracket.rung_split sums to %s, want 1", total))
		}
	}
	if c.Pyramid.MaxAdds < 0 {
		errs = append(errs, errors.New("pyramid.max_adds must not be negative"))
	}
	if c.Execution.ProtectionMode != "bracket" && c.Execution.ProtectionMode != "oco" {
		errs = append(errs, fmt.Errorf("execution.protection_mode %q must be bracket or oco", c.Execution.ProtectionMode))
	}
	return errors.Join(errs...)
}
