package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEntryPrice = errors.New("invalid entry price")
	ErrTransactionClosed = errors.New("portfolio transaction already closed")
	ErrTransactionOpen   = errors.New("portfolio transaction already open for session")
	ErrOrderClosed       = errors.New("order is no longer active")
	ErrNotFound          = errors.New("not found")
)

// Rejection is a deliberate no-trade outcome carrying a machine-readable reason.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + r.Reason
	}
	return fmt.Sprintf("rejected: %s (%s)", r.Reason, r.Detail)
}

func Reject(reason, detailFormat string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(detailFormat, args...)}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// BracketSpecError reports a bracket whose prices are not ordered for its side.
type BracketSpecError struct {
	Symbol string
	Side   Side
	Reason string
}

func (e *BracketSpecError) Error() string {
	return fmt.Sprintf("invalid bracket for %s %s: %s", e.Symbol, e.Side, e.Reason)
}
