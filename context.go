package evaltrack

import (
	"context"
	"sync/atomic"
)

// The current-trace slot lets code that calls an instrumented function find
// the trace produced by that call, without the trace being threaded through
// return values. It's a correlation aid only, and has no effect on what is
// delivered to the sink.
//
// Go has no goroutine-local storage, so the slot travels in the context. Each
// independent unit of work (a request, a goroutine, a job) should derive its
// own slot with WithCurrentTrace. Contexts derived from one that carries a slot
// share that slot; contexts without a slot silently ignore SetCurrentTrace.
//
// Typical usage is as follows.
//
//	ctx = evaltrack.WithCurrentTrace(ctx)
//	n, err := double(ctx, 5) // an instrumented function
//	if tr, ok := evaltrack.TakeCurrentTrace(ctx); ok {
//	    log.Printf("double traced as %s", tr.ID)
//	}

type currentTraceKey struct{}

var currentTraceVal currentTraceKey

type currentTraceSlot struct {
	tr atomic.Pointer[Trace]
}

// WithCurrentTrace returns a child context carrying a new, empty slot. Any slot
// in the parent is shadowed.
func WithCurrentTrace(ctx context.Context) context.Context {
	return context.WithValue(ctx, currentTraceVal, &currentTraceSlot{})
}

// SetCurrentTrace stores tr in the slot carried by ctx, replacing any previous
// value. It returns false if ctx carries no slot.
func SetCurrentTrace(ctx context.Context, tr *Trace) bool {
	slot, ok := getSlot(ctx)
	if !ok {
		return false
	}
	slot.tr.Store(tr)
	return true
}

// TakeCurrentTrace atomically reads and clears the slot carried by ctx. A
// second call returns false until the slot is set again.
func TakeCurrentTrace(ctx context.Context) (*Trace, bool) {
	slot, ok := getSlot(ctx)
	if !ok {
		return nil, false
	}
	tr := slot.tr.Swap(nil)
	return tr, tr != nil
}

// PeekCurrentTrace reads the slot carried by ctx without clearing it.
func PeekCurrentTrace(ctx context.Context) (*Trace, bool) {
	slot, ok := getSlot(ctx)
	if !ok {
		return nil, false
	}
	tr := slot.tr.Load()
	return tr, tr != nil
}

func getSlot(ctx context.Context) (*currentTraceSlot, bool) {
	slot, ok := ctx.Value(currentTraceVal).(*currentTraceSlot)
	return slot, ok
}
