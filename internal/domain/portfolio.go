package domain

import "github.com/shopspring/decimal"

type Severity string

const (
	SeverityOK         Severity = "ok"
	SeverityReconciled Severity = "reconciled"
	SeverityWarning    Severity = "warning"
	SeverityCritical   Severity = "critical"
)

// ValidationResult is the verdict on one staged portfolio transaction.
type ValidationResult struct {
	Severity            Severity                   `json:"severity"`
	Reason              string                     `json:"reason,omitempty"`
	Commit              bool                       `json:"commit"`
	Epsilon             decimal.Decimal            `json:"epsilon"`
	PreviousEquity      decimal.Decimal            `json:"previous_equity"`
	ExpectedEquity      decimal.Decimal            `json:"expected_equity"`
	ActualEquity        decimal.Decimal            `json:"actual_equity"`
	EquityDelta         decimal.Decimal            `json:"equity_delta"`
	CashDelta           decimal.Decimal            `json:"cash_delta"`
	PositionsValueDelta decimal.Decimal            `json:"positions_value_delta"`
	RealizedPnLDelta    decimal.Decimal            `json:"realized_pnl_delta"`
	FeeDiscrepancy      decimal.Decimal            `json:"fee_discrepancy"`
	RoundingResidue     decimal.Decimal            `json:"rounding_residue"`
	PerSymbol           map[string]decimal.Decimal `json:"per_symbol"`
}
