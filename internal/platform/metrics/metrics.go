package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the MJPEG relay.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesServed    *prometheus.CounterVec
	framesDiscarded *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	stalePolls      *prometheus.CounterVec
	activeViewers   *prometheus.GaugeVec
	cachedFrames    *prometheus.GaugeVec
	sourceState     *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mjpeg_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mjpeg_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_frames_received_total",
			Help: "Complete frames received from upstream cameras",
		}, []string{"camera"}),
		framesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_frames_served_total",
			Help: "Frames handed to viewer sessions",
		}, []string{"camera"}),
		framesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_frames_discarded_total",
			Help: "Partial or malformed upstream frames that were dropped",
		}, []string{"camera"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_upstream_errors_total",
			Help: "Upstream connection or read failures",
		}, []string{"camera"}),
		stalePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_stale_polls_total",
			Help: "Viewer polls answered with a stale-stream condition",
		}, []string{"camera"}),
		activeViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mjpeg_active_viewers",
			Help: "Open viewer sessions",
		}, []string{"camera"}),
		cachedFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mjpeg_cached_frames",
			Help: "Frames currently held in the camera cache",
		}, []string{"camera"}),
		sourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mjpeg_source_state",
			Help: "Upstream state: 0 connecting, 1 streaming, 2 backoff, 3 closed",
		}, []string{"camera"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesReceived,
		m.framesServed,
		m.framesDiscarded,
		m.upstreamErrors,
		m.stalePolls,
		m.activeViewers,
		m.cachedFrames,
		m.sourceState,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFramesReceived counts one frame pushed into camera's cache.
func (m *Metrics) IncFramesReceived(camera string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(camera).Inc()
}

// IncFramesServed counts one frame returned to a viewer of camera.
func (m *Metrics) IncFramesServed(camera string) {
	if m == nil {
		return
	}
	m.framesServed.WithLabelValues(camera).Inc()
}

// AddFramesDiscarded counts n dropped partial frames for camera.
func (m *Metrics) AddFramesDiscarded(camera string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDiscarded.WithLabelValues(camera).Add(float64(n))
}

// IncUpstreamErrors counts one upstream failure for camera.
func (m *Metrics) IncUpstreamErrors(camera string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(camera).Inc()
}

// IncStalePolls counts one stale answer to a viewer of camera.
func (m *Metrics) IncStalePolls(camera string) {
	if m == nil {
		return
	}
	m.stalePolls.WithLabelValues(camera).Inc()
}

// SetActiveViewers sets the open session gauge for camera.
func (m *Metrics) SetActiveViewers(camera string, n int) {
	if m == nil {
		return
	}
	m.activeViewers.WithLabelValues(camera).Set(float64(n))
}

// SetCachedFrames sets the cache size gauge for camera.
func (m *Metrics) SetCachedFrames(camera string, n int) {
	if m == nil {
		return
	}
	m.cachedFrames.WithLabelValues(camera).Set(float64(n))
}

// SetSourceState records the upstream state of camera as a number.
func (m *Metrics) SetSourceState(camera string, state int) {
	if m == nil {
		return
	}
	m.sourceState.WithLabelValues(camera).Set(float64(state))
}

// ForgetCamera removes every per-camera series for a camera that was removed.
func (m *Metrics) ForgetCamera(camera string) {
	if m == nil {
		return
	}
	for _, v := range []*prometheus.MetricVec{
		m.framesReceived.MetricVec,
		m.framesServed.MetricVec,
		m.framesDiscarded.MetricVec,
		m.upstreamErrors.MetricVec,
		m.stalePolls.MetricVec,
		m.activeViewers.MetricVec,
		m.cachedFrames.MetricVec,
		m.sourceState.MetricVec,
	} {
		v.DeleteLabelValues(camera)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. cached frames).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
