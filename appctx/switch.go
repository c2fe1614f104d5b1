package appctx

import (
	"context"
	"sync/atomic"
)

// SideEffectSwitch suppresses per-row ledger side effects (classification and
// daily aggregation) for the lifetime of one bulk sync. It lives in the
// request context only, so concurrent writers for other businesses never see it.
type SideEffectSwitch struct {
	on atomic.Bool
}

// Suppressed reports whether the switch is currently engaged.
func (s *SideEffectSwitch) Suppressed() bool {
	if s == nil {
		return false
	}
	return s.on.Load()
}

// Release turns the switch off. Safe to call more than once.
func (s *SideEffectSwitch) Release() {
	if s == nil {
		return
	}
	s.on.Store(false)
}

// WithSideEffectsSuppressed returns a context carrying an engaged switch and
// the function that releases it. Callers must defer the release.
func WithSideEffectsSuppressed(ctx context.Context) (context.Context, func()) {
	sw := &SideEffectSwitch{}
	sw.on.Store(true)
	return Set(ctx, ContextKeySideEffectSwitch, sw), sw.Release
}

// SideEffectsSuppressed reports whether ctx carries an engaged switch.
func SideEffectsSuppressed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	sw, _ := ctx.Value(ContextKeySideEffectSwitch).(*SideEffectSwitch)
	return sw.Suppressed()
}
