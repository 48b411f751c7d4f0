// Package metrics exposes poller and controller health to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mesh-nms/pkg/model"
	"mesh-nms/pkg/poller"
)

const namespace = "nms"

// Registry owns an isolated prometheus registry and the collectors the
// service feeds.
type Registry struct {
	promRegistry *prometheus.Registry

	pollCalls          *prometheus.CounterVec
	pollDuration       *prometheus.HistogramVec
	controllerOnline   *prometheus.GaugeVec
	controllerFailures *prometheus.GaugeVec
	activePeer         *prometheus.GaugeVec
	skippedTicks       *prometheus.CounterVec
	pollerRestarts     prometheus.Counter
	droppedRequests    *prometheus.CounterVec
}

// NewRegistry builds a registry; runtime collectors are optional so tests
// can count exactly what they register.
func NewRegistry(includeRuntime bool) *Registry {
	r := &Registry{promRegistry: prometheus.NewRegistry()}
	if includeRuntime {
		r.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r.pollCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "calls_total",
		Help:      "Controller calls made by the poller, by network, result type and outcome.",
	}, []string{"network", "type", "result"})
	r.pollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "call_duration_seconds",
		Help:      "Controller call latency.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8},
	}, []string{"type"})
	r.controllerOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "online",
		Help:      "1 if the network's active controller answered the last topology poll.",
	}, []string{"network"})
	r.controllerFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed topology polls.",
	}, []string{"network"})
	r.activePeer = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ha",
		Name:      "active_peer",
		Help:      "1 for the peer currently treated as authoritative.",
	}, []string{"network", "peer"})
	r.skippedTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "skipped_ticks_total",
		Help:      "Ticks dropped because the previous run was still in flight.",
	}, []string{"task"})
	r.pollerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "restarts_total",
		Help:      "Times the poller worker died and was restarted.",
	})
	r.droppedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "dropped_requests_total",
		Help:      "Poll requests dropped because the worker queue was full.",
	}, []string{"type"})
	r.promRegistry.MustRegister(
		r.pollCalls,
		r.pollDuration,
		r.controllerOnline,
		r.controllerFailures,
		r.activePeer,
		r.skippedTicks,
		r.pollerRestarts,
		r.droppedRequests,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the underlying registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// ObserveCall implements poller.Observer.
func (r *Registry) ObserveCall(network string, rtype poller.ResultType, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.pollCalls.WithLabelValues(network, string(rtype), result).Inc()
	r.pollDuration.WithLabelValues(string(rtype)).Observe(d.Seconds())
}

// ObserveController implements topology.Observer.
func (r *Registry) ObserveController(network string, online bool, failures int) {
	v := 0.0
	if online {
		v = 1
	}
	r.controllerOnline.WithLabelValues(network).Set(v)
	r.controllerFailures.WithLabelValues(network).Set(float64(failures))
}

// ForgetNetworks implements topology.Observer.
func (r *Registry) ForgetNetworks() {
	r.controllerOnline.Reset()
	r.controllerFailures.Reset()
	r.activePeer.Reset()
}

// ObserveActivePeer records which peer of network is authoritative.
func (r *Registry) ObserveActivePeer(network string, active model.PeerType) {
	for _, peer := range []model.PeerType{model.PeerPrimary, model.PeerBackup} {
		v := 0.0
		if peer == active {
			v = 1
		}
		r.activePeer.WithLabelValues(network, string(peer)).Set(v)
	}
}

// SkippedTick counts a dropped scheduler tick.
func (r *Registry) SkippedTick(task string) {
	r.skippedTicks.WithLabelValues(task).Inc()
}

// PollerRestarted counts a poller restart.
func (r *Registry) PollerRestarted() {
	r.pollerRestarts.Inc()
}

// DroppedRequest counts a poll request the worker could not accept.
func (r *Registry) DroppedRequest(rtype poller.RequestType) {
	r.droppedRequests.WithLabelValues(string(rtype)).Inc()
}
