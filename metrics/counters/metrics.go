package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "sessions_active",
	Help:      "Number of connected chargers",
})

var upstreamGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "upstream_connections_active",
	Help:      "Number of open CSMS connections",
})

var forwardedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "frames_forwarded_total",
	Help:      "Total number of frames relayed, by direction.",
}, []string{"direction"})

var proxyResponseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "synthesized_responses_total",
	Help:      "Total number of responses synthesized in standalone mode.",
}, []string{"action"})

var injectionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "injections_total",
	Help:      "Total number of injected operator commands.",
}, []string{"action"})

var reconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "upstream_reconnect_attempts_total",
	Help:      "Total number of upstream reconnect attempts.",
}, []string{"charge_point_id"})

var egressDropCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "egress_buffer_dropped_total",
	Help:      "Total number of buffered frames dropped on overflow.",
})

var logDropCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "log_events_dropped_total",
	Help:      "Total number of log events dropped by the writer queue.",
})

func ObserveSessions(count int) {
	sessionsGauge.Set(float64(count))
}

func ObserveUpstreamConnections(delta int) {
	upstreamGauge.Add(float64(delta))
}

func CountForwarded(direction string) {
	forwardedCounter.With(prometheus.Labels{"direction": direction}).Inc()
}

func CountProxyResponse(action string) {
	if len(action) == 0 {
		return
	}
	proxyResponseCounter.With(prometheus.Labels{"action": action}).Inc()
}

func CountInjection(action string) {
	if len(action) == 0 {
		return
	}
	injectionCounter.With(prometheus.Labels{"action": action}).Inc()
}

func CountReconnectAttempt(chargePointId string) {
	if len(chargePointId) == 0 {
		return
	}
	reconnectCounter.With(prometheus.Labels{"charge_point_id": chargePointId}).Inc()
}

func CountEgressDropped() {
	egressDropCounter.Inc()
}

func CountDroppedLogEvent() {
	logDropCounter.Inc()
}
