// Package evaltrack provides automatic call instrumentation. Wrapping a
// function with [Instrument] makes every call of that function produce a
// [Trace]: a small, immutable record of the call's arguments, its result or
// error, and when it happened. Traces are shipped to a trace store, typically
// a remote service, without the wrapped function knowing anything about it.
//
// Tracing is opt-in. Until a sink is installed in the [Registry], instrumented
// functions deliver nothing. Most programs install a sink once at startup, via
// [github.com/tied-inc/evaltrack/eztrack.InitializeTracer], and instrument
// functions wherever convenient.
//
//	double := evaltrack.Instrument(func(ctx context.Context, x int) (int, error) {
//	    return x * 2, nil
//	})
//	n, err := double(ctx, 5) // 10, nil; and a trace is delivered
//
// Instrumentation is transparent: the wrapper returns exactly what the
// wrapped function returns, whether or not a sink is installed, and whether or not
// the sink is healthy. Delivery happens in the background, and its failures
// are discarded. Observability must never become a reliability problem.
//
// Callers that want to correlate a call with its trace can carry a current
// trace slot in their context; see [WithCurrentTrace].
package evaltrack
