// Package metrics exposes relay counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	authFail    *prometheus.CounterVec
	genDur      *prometheus.HistogramVec
	frames      *prometheus.CounterVec
	deliverFail *prometheus.CounterVec
	sessWrites  *prometheus.CounterVec
	conns       prometheus.Gauge
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	ns := namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	events := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_total", Help: "Routed events by route key."}, []string{"route"})
	authFail := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "auth_failures_total", Help: "Rejected credentials by reason."}, []string{"reason"})
	genDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "generation_duration_seconds", Help: "Generation backend latency.", Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}}, []string{"status"})
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "frames_pushed_total", Help: "Frames delivered to clients by kind."}, []string{"kind"})
	deliverFail := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "delivery_failures_total", Help: "Failed frame deliveries by reason."}, []string{"reason"})
	sessWrites := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "session_writes_total", Help: "Session store writes by status."}, []string{"status"})
	conns := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active", Help: "Open client connections."})
	r.MustRegister(events, authFail, genDur, frames, deliverFail, sessWrites, conns)

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds"}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	return &Metrics{
		registry:    r,
		events:      events,
		authFail:    authFail,
		genDur:      genDur,
		frames:      frames,
		deliverFail: deliverFail,
		sessWrites:  sessWrites,
		conns:       conns,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventHandled(route string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(route).Inc()
}

func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFail.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveGeneration(since time.Time, ok bool) {
	if m == nil {
		return
	}
	m.genDur.WithLabelValues(status(ok)).Observe(time.Since(since).Seconds())
}

func (m *Metrics) FramePushed(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliverFail.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionWrite(ok bool) {
	if m == nil {
		return
	}
	m.sessWrites.WithLabelValues(status(ok)).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.conns.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.conns.Dec()
}

// Middleware records request counts and latency labelled by chi route
// pattern. Requests that match no route share the "unmatched" label.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		st := strconv.Itoa(code)
		m.httpReqCnt.WithLabelValues(r.Method, route, st).Inc()
		m.httpDur.WithLabelValues(r.Method, route, st).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
