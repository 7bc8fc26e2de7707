package electrum

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsync",
		Subsystem: "electrum",
		Name:      "requests_total",
		Help:      "Electrum requests sent, by method. A batch counts once per item.",
	}, []string{"method"})

	requestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsync",
		Subsystem: "electrum",
		Name:      "request_errors_total",
		Help:      "Failed Electrum requests, by error kind.",
	}, []string{"kind"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsync",
		Subsystem: "electrum",
		Name:      "cache_lookups_total",
		Help:      "Transaction cache lookups, by result.",
	}, []string{"result"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "walletsync",
		Subsystem: "electrum",
		Name:      "reconnects_total",
		Help:      "Reconnects scheduled after a transport error.",
	})

	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletsync",
		Subsystem: "electrum",
		Name:      "connected",
		Help:      "1 while a server connection is established.",
	})
)

func observeRequest(method string, items int, err error) {
	requestsTotal.WithLabelValues(method).Add(float64(items))
	if err != nil {
		requestErrorsTotal.WithLabelValues(KindOf(err).String()).Inc()
	}
}
