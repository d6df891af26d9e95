// Package eztrack is the easy way to use evaltrack. It binds the process-wide
// registry to a remote trace store over HTTP, and re-exports the pieces most
// programs need.
//
//	func main() {
//	    eztrack.InitializeTracer("http://localhost:8000")
//	    defer eztrack.Flush(context.Background())
//	    ...
//	}
package eztrack

import (
	"context"
	"net/http"

	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
)

var (
	WithCurrentTrace = evaltrack.WithCurrentTrace
	TakeCurrentTrace = evaltrack.TakeCurrentTrace
)

// InitializeTracer installs a sink for the trace store at baseAddress into the
// process-wide registry. Only the first call has any effect; it returns true
// if this call installed the sink.
func InitializeTracer(baseAddress string) bool {
	return evaltrack.DefaultRegistry().InitializeWith(baseAddress, evaltrackhttp.NewSink)
}

// Initialized returns true if a sink has been installed.
func Initialized() bool {
	_, ok := evaltrack.DefaultRegistry().Current()
	return ok
}

// Flush waits for pending deliveries, typically just before the program exits.
func Flush(ctx context.Context) error {
	return evaltrack.DefaultRegistry().Flush(ctx)
}

// Traces fetches every trace from the installed sink. It returns nil, and no
// error, if no sink is installed.
func Traces(ctx context.Context) ([]*evaltrack.Trace, error) {
	sink, ok := evaltrack.DefaultRegistry().Current()
	if !ok {
		return nil, nil
	}
	return sink.FetchAll(ctx)
}

// Handler returns an in-process trace store, served over HTTP. It's useful
// for tests, and for programs that want to be their own trace store.
func Handler() http.Handler {
	return evaltrackhttp.NewDefaultServer(evaltrack.NewDefaultStore())
}
