package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PyramidState tracks scale-ins for one symbol until the position is closed.
type PyramidState struct {
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	InitialEntry  decimal.Decimal   `json:"initial_entry"`
	InitialStop   decimal.Decimal   `json:"initial_stop"`
	AddsCount     int               `json:"adds_count"`
	AddRMultiples []decimal.Decimal `json:"add_r_multiples"`
	AddPrices     []decimal.Decimal `json:"add_prices"`
	LastAddAt     time.Time         `json:"last_add_at"`
}

// TriggerUsed reports whether an add already happened at r.
func (s *PyramidState) TriggerUsed(r decimal.Decimal) bool {
	for _, used := range s.AddRMultiples {
		if used.Equal(r) {
			return true
		}
	}
	return false
}
