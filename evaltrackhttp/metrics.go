package evaltrackhttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/internal/pubsub"
)

const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

type serverMetrics struct {
	ingested *prometheus.CounterVec
}

func newServerMetrics(reg *prometheus.Registry, broker *pubsub.Broker[*evaltrack.Trace]) *serverMetrics {
	m := &serverMetrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evaltrack",
			Name:      "traces_ingested_total",
			Help:      "Traces received by the server, by outcome.",
		}, []string{"outcome"}),
	}

	subscribers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "evaltrack",
		Name:      "stream_subscribers",
		Help:      "Currently connected trace stream subscribers.",
	}, func() float64 {
		return float64(broker.Subscribers())
	})

	reg.MustRegister(m.ingested, subscribers)

	for _, outcome := range []string{outcomeOK, outcomeInvalid, outcomeError} {
		m.ingested.WithLabelValues(outcome) // report zeros from the start
	}

	return m
}
