package evaltrackhttp

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// logRequests decorates an HTTP handler by logging one line per request at
// debug level, with method, path, response code, bytes written, and duration.
func logRequests(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			iw := newInterceptor(w)

			defer func(begin time.Time) {
				logger.Debug().
					Str("remote", r.RemoteAddr).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("code", iw.Code()).
					Int("bytes", iw.Written()).
					Dur("took", time.Since(begin)).
					Msg("request")
			}(time.Now())

			next.ServeHTTP(iw, r)
		})
	}
}

//
//
//

// interceptor records the response code and size. It passes flushes and close
// notifications through, which the event stream depends on.
type interceptor struct {
	http.ResponseWriter

	code int
	n    int
}

func newInterceptor(w http.ResponseWriter) *interceptor {
	return &interceptor{ResponseWriter: w}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 {
		i.code = code
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	n, err := i.ResponseWriter.Write(p)
	i.n += n
	return n, err
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) Written() int {
	return i.n
}

func (i *interceptor) Flush() {
	if f, ok := i.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

//lint:ignore SA1019 the eventsource handler still relies on CloseNotifier
func (i *interceptor) CloseNotify() <-chan bool {
	if cn, ok := i.ResponseWriter.(http.CloseNotifier); ok {
		return cn.CloseNotify()
	}
	return make(chan bool) // never closes
}

func (i *interceptor) Unwrap() http.ResponseWriter {
	return i.ResponseWriter
}
