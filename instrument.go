package evaltrack

import (
	"context"
	"encoding/json"
	"time"
)

// Option configures an instrumented function.
type Option func(*capture)

// WithRegistry sets the registry whose sink receives traces. The default is
// [DefaultRegistry]. The registry is consulted on every call, so a sink that
// is installed after the function was instrumented is still used.
func WithRegistry(r *Registry) Option {
	return func(c *capture) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithRenderer sets the renderer for arguments, results, and errors. The
// default is [DebugRenderer].
func WithRenderer(r Renderer) Option {
	return func(c *capture) {
		if r != nil {
			c.renderer = r
		}
	}
}

// WithName adds a "name" key to the request of every trace, identifying the
// instrumented function.
func WithName(name string) Option {
	return func(c *capture) { c.name = name }
}

// Instrument wraps fn so that every call produces a trace. The wrapped function
// returns exactly what fn returns; tracing never changes the result, and never
// fails the call.
//
// If the registry has a sink, the trace is stored in the current-trace slot of
// ctx (see [WithCurrentTrace]) and delivered to the sink in the background.
// Delivery errors are discarded. If the registry has no sink, nothing is
// delivered.
//
// Panics in fn are not recovered, and produce no trace.
func Instrument[In, Out any](fn func(context.Context, In) (Out, error), opts ...Option) func(context.Context, In) (Out, error) {
	c := newCapture(opts...)
	return func(ctx context.Context, in In) (Out, error) {
		call := c.begin([]any{in})
		out, err := fn(ctx, in)
		c.finish(ctx, call, out, err)
		return out, err
	}
}

// Instrument0 is like Instrument, for functions that take no arguments.
func Instrument0[Out any](fn func(context.Context) (Out, error), opts ...Option) func(context.Context) (Out, error) {
	c := newCapture(opts...)
	return func(ctx context.Context) (Out, error) {
		call := c.begin(nil)
		out, err := fn(ctx)
		c.finish(ctx, call, out, err)
		return out, err
	}
}

// Instrument2 is like Instrument, for functions that take two arguments.
func Instrument2[A, B, Out any](fn func(context.Context, A, B) (Out, error), opts ...Option) func(context.Context, A, B) (Out, error) {
	c := newCapture(opts...)
	return func(ctx context.Context, a A, b B) (Out, error) {
		call := c.begin([]any{a, b})
		out, err := fn(ctx, a, b)
		c.finish(ctx, call, out, err)
		return out, err
	}
}

// InstrumentFunc is like Instrument, for functions that don't take a context.
// Without a context there is no current-trace slot, so traces are only
// delivered to the sink.
func InstrumentFunc[In, Out any](fn func(In) (Out, error), opts ...Option) func(In) (Out, error) {
	wrapped := Instrument(func(_ context.Context, in In) (Out, error) { return fn(in) }, opts...)
	return func(in In) (Out, error) {
		return wrapped(context.Background(), in)
	}
}

//
//
//

// capture is the configuration shared by every call of one instrumented
// function.
type capture struct {
	registry *Registry
	renderer Renderer
	name     string
	now      func() time.Time
}

func newCapture(opts ...Option) *capture {
	c := &capture{
		registry: DefaultRegistry(),
		renderer: DebugRenderer{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call is the state of one invocation captured before the body runs.
type call struct {
	id      string
	start   time.Time
	request json.RawMessage
}

func (c *capture) begin(args []any) call {
	start := c.now().UTC()

	if args == nil {
		args = []any{}
	}

	request := map[string]json.RawMessage{
		requestArgsKey: renderSafely(func() (any, error) { return c.renderer.RenderArgs(args) }),
	}
	if c.name != "" {
		request[requestNameKey] = renderSafely(func() (any, error) { return c.name, nil })
	}

	return call{
		id:      newTraceID(start),
		start:   start,
		request: mustObject(request),
	}
}

func (c *capture) finish(ctx context.Context, call call, out any, err error) {
	var response map[string]json.RawMessage
	switch {
	case err != nil:
		response = map[string]json.RawMessage{
			responseErrorKey: renderSafely(func() (any, error) { return c.renderer.RenderError(err) }),
		}
	default:
		response = map[string]json.RawMessage{
			responseDataKey: renderSafely(func() (any, error) { return c.renderer.RenderData(out) }),
		}
	}

	sink, ok := c.registry.Current()
	if !ok {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tr := &Trace{
		ID:        call.id,
		Request:   call.request,
		Response:  mustObject(response),
		CreatedAt: call.start,
		UpdatedAt: call.start,
	}

	SetCurrentTrace(ctx, tr)
	c.registry.deliver(ctx, sink, tr)
}

// mustObject encodes a map of already valid JSON values, which can't fail.
func mustObject(m map[string]json.RawMessage) json.RawMessage {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err) // values come from renderSafely, so this is a programmer error
	}
	return data
}
