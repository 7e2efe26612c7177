package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitos/crypto_trade_risk/internal/config"
)

func TestTradeGate_Validate(t *testing.T) {
	gate := NewTradeGate(config.Default().Gate)

	tests := []struct {
		name        string
		in          GateInput
		wantAllowed bool
		wantReason  string
	}{
		{"low rr beats perfect score", GateInput{RR: dec("1.2"), Score: 0.99, AdaptiveThreshold: 0.7}, false, ReasonRRTooLow},
		{"score below gate", GateInput{RR: dec("1.5"), Score: 0.6, AdaptiveThreshold: 0.7}, false, ReasonScoreBelowGate},
		{"score clears gate", GateInput{RR: dec("1.5"), Score: 0.66, AdaptiveThreshold: 0.7}, true, ReasonGatePassed},
		{"rr exactly at minimum", GateInput{RR: dec("1.30"), Score: 0.9, AdaptiveThreshold: 0.7}, true, ReasonGatePassed},
		{"floor binds under low adaptive", GateInput{RR: dec("2"), Score: 0.5, AdaptiveThreshold: 0.3}, false, ReasonScoreBelowGate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gate.ValidateTradeParameters(tt.in)
			assert.Equal(t, tt.wantAllowed, got.Allowed)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.GreaterOrEqual(t, got.EffectiveGate, 0.55)
		})
	}
}

func TestTradeGate_EffectiveGate(t *testing.T) {
	cfg := config.Default().Gate
	gate := NewTradeGate(cfg)
	assert.InDelta(t, 0.65, gate.EffectiveGate(0.7, 0, 0), 1e-9)
	assert.InDelta(t, 0.55, gate.EffectiveGate(0.4, 0, 0), 1e-9)

	cfg.VolEaseEnabled = true
	eased := NewTradeGate(cfg)
	// vol twice the average: ease capped at 0.05
	assert.InDelta(t, 0.60, eased.EffectiveGate(0.7, 2, 1), 1e-9)
	// ease never pierces the floor
	assert.InDelta(t, 0.55, eased.EffectiveGate(0.6, 3, 1), 1e-9)
	// calm market: no ease
	assert.InDelta(t, 0.65, eased.EffectiveGate(0.7, 0.5, 1), 1e-9)
}
