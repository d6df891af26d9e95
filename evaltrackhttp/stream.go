package evaltrackhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/tied-inc/evaltrack"
)

const (
	eventTypeTrace     = "trace"
	eventTypeHeartbeat = "heartbeat"
)

// handleStream serves newly submitted traces as server-sent events, with
// periodic heartbeats, until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	eventsource.Handler(func(lastID string, enc *eventsource.Encoder, stop <-chan bool) {
		var (
			ctx, cancel = context.WithCancel(r.Context())
			in          = make(chan *evaltrack.Trace, s.streamBuf)
			done        = make(chan string, 1)
		)
		defer cancel()

		go func() {
			stats, _ := s.broker.Subscribe(ctx, nil, in) // error is always ctx.Err()
			done <- stats.String()
		}()

		defer func(begin time.Time) {
			cancel()
			stats := <-done
			s.logger.Debug().Str("stats", stats).Dur("took", time.Since(begin)).Msg("stream finished")
		}(time.Now())

		s.logger.Debug().Str("remote", r.RemoteAddr).Msg("stream started")

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case tr := <-in:
				if err := sendTrace(enc, tr); err != nil {
					s.logger.Debug().Err(err).Msg("send trace")
					return
				}

			case <-ticker.C:
				if err := sendHeartbeat(enc); err != nil {
					s.logger.Debug().Err(err).Msg("send heartbeat")
					return
				}

			case <-stop:
				return

			case <-ctx.Done():
				return
			}
		}
	}).ServeHTTP(w, r)
}

func sendTrace(enc *eventsource.Encoder, tr *evaltrack.Trace) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	if err := enc.Encode(eventsource.Event{
		Type: eventTypeTrace,
		ID:   tr.ID,
		Data: data,
	}); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return nil
}

func sendHeartbeat(enc *eventsource.Encoder) error {
	return enc.Encode(eventsource.Event{
		Type: eventTypeHeartbeat,
		Data: []byte(`{}`),
	})
}
