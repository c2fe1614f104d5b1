package salesledger

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized     = errors.New("caller is not authorized for this business")
	ErrBusinessRequired = errors.New("business_id is required")
	ErrInvalidRange     = errors.New("invalid date range")
	ErrNoSaleDate       = errors.New("order has neither business date nor timestamps")
	ErrRowNotFound      = errors.New("sale row not found")
	ErrNotCanonical     = errors.New("sale row is a split child")
	ErrAlreadySplit     = errors.New("sale row is already split")
	ErrNotSplit         = errors.New("sale row is not split")
	ErrSplitMismatch    = errors.New("split allocations must sum to the row total")
)

// SideEffectError reports that the ledger write committed but the batch
// classification or aggregation pass afterwards failed. Result holds the
// committed counts; rerunning the sync (or the summary backfill) catches up.
type SideEffectError struct {
	Result Result
	Stage  string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("ledger committed, %s failed: %v", e.Stage, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }
