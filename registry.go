package evaltrack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Sink is anything that can store and retrieve traces. The typical
// implementation is [github.com/tied-inc/evaltrack/evaltrackhttp.Client],
// which talks to a remote trace store.
type Sink interface {
	Submit(ctx context.Context, tr *Trace) error
	FetchAll(ctx context.Context) ([]*Trace, error)
}

// SinkFactory constructs a sink bound to a base address.
type SinkFactory func(baseAddress string) Sink

// Registry holds at most one sink, and delivers traces to it. A sink can be
// installed exactly once; the first install wins and every later attempt is a
// no-op. Reading the installed sink is lock-free.
//
// Most programs use the process-wide [DefaultRegistry]. Tests should construct
// their own with [NewRegistry], so they don't share state.
type Registry struct {
	newSink SinkFactory
	timeout time.Duration
	logger  zerolog.Logger

	mtx   sync.Mutex // serializes installs
	sink  atomic.Pointer[installedSink]
	wait  inflight
	stats deliveryCounters
}

type installedSink struct {
	sink Sink
	addr string
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithSinkFactory sets the factory used by [Registry.Initialize].
func WithSinkFactory(f SinkFactory) RegistryOption {
	return func(r *Registry) { r.newSink = f }
}

// WithDeliveryTimeout bounds each delivery. The default is 10s.
func WithDeliveryTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets a logger for failed deliveries, which are reported at debug
// level. By default nothing is logged.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		timeout: defaultDeliveryTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wait.init()
	return r
}

const defaultDeliveryTimeout = 10 * time.Second

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry, which is used by
// instrumented functions unless [WithRegistry] says otherwise.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Initialize constructs a sink for baseAddress with the registry's factory and
// installs it. It returns false, without calling the factory, if a sink is
// already installed or if the registry has no factory.
func (r *Registry) Initialize(baseAddress string) bool {
	return r.InitializeWith(baseAddress, r.newSink)
}

// InitializeWith is like Initialize, but uses the given factory. The factory
// is called at most once per registry, and only by the call that wins.
func (r *Registry) InitializeWith(baseAddress string, newSink SinkFactory) bool {
	if newSink == nil {
		return false
	}
	return r.install(baseAddress, func() Sink { return newSink(baseAddress) })
}

// Install installs an already constructed sink. It returns false if a sink was
// already installed, in which case s is ignored.
func (r *Registry) Install(s Sink) bool {
	return r.install("", func() Sink { return s })
}

func (r *Registry) install(addr string, construct func() Sink) bool {
	if r.sink.Load() != nil {
		return false
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.sink.Load() != nil { // re-check, we may have lost a race
		return false
	}

	s := construct()
	if s == nil {
		return false
	}

	r.sink.Store(&installedSink{sink: s, addr: addr})
	return true
}

// Current returns the installed sink, if any.
func (r *Registry) Current() (Sink, bool) {
	if is := r.sink.Load(); is != nil {
		return is.sink, true
	}
	return nil, false
}

// Address returns the base address the installed sink was initialized with.
// It's empty if no sink is installed, or if it was installed directly.
func (r *Registry) Address() string {
	if is := r.sink.Load(); is != nil {
		return is.addr
	}
	return ""
}

// Flush blocks until every delivery started so far has finished, or until ctx
// is done.
func (r *Registry) Flush(ctx context.Context) error {
	return r.wait.wait(ctx)
}

// Stats returns delivery counters for the lifetime of the registry.
func (r *Registry) Stats() DeliveryStats {
	return r.stats.snapshot()
}

// deliver submits tr to s in the background. The outcome is recorded in the
// registry stats and otherwise discarded. Cancelling ctx doesn't abandon the
// delivery; the registry timeout bounds it instead.
func (r *Registry) deliver(ctx context.Context, s Sink, tr *Trace) {
	r.stats.submitted.Add(1)
	r.wait.add()

	ctx = context.WithoutCancel(ctx)

	go func() {
		defer r.wait.done()

		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var (
			pc  panics.Catcher
			err error
		)
		pc.Try(func() { err = s.Submit(ctx, tr) })
		if rec := pc.Recovered(); rec != nil {
			err = fmt.Errorf("%w: sink panicked: %v", ErrUnknown, rec.Value)
		}

		if err != nil {
			r.stats.failed.Add(1)
			r.logger.Debug().Err(err).Str("trace_id", tr.ID).Msg("trace delivery failed")
			return
		}

		r.stats.delivered.Add(1)
	}()
}

//
//
//

// DeliveryStats counts deliveries made by a registry.
type DeliveryStats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// String implements fmt.Stringer.
func (s DeliveryStats) String() string {
	return fmt.Sprintf("submitted=%d delivered=%d failed=%d", s.Submitted, s.Delivered, s.Failed)
}

type deliveryCounters struct {
	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func (c *deliveryCounters) snapshot() DeliveryStats {
	return DeliveryStats{
		Submitted: c.submitted.Load(),
		Delivered: c.delivered.Load(),
		Failed:    c.failed.Load(),
	}
}

// inflight counts running deliveries. Unlike a sync.WaitGroup, it may be
// waited on while new deliveries are being added.
type inflight struct {
	mtx  sync.Mutex
	n    int
	idle chan struct{} // closed whenever n is zero
}

func (f *inflight) init() {
	f.idle = make(chan struct{})
	close(f.idle)
}

func (f *inflight) add() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *inflight) wait(ctx context.Context) error {
	f.mtx.Lock()
	idle := f.idle
	f.mtx.Unlock()

	if idle == nil { // never initialized, so nothing was ever added
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
