package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstrumentedRoundTripper builds round trippers that share one set of client metrics,
// labelled by client name.
type InstrumentedRoundTripper struct {
	inFlightGauge *prometheus.GaugeVec
	counter       *prometheus.CounterVec
	dnsLatencyVec *prometheus.HistogramVec
	tlsLatencyVec *prometheus.HistogramVec
	histVec       *prometheus.HistogramVec
}

func NewInstrumentedRoundTripper(reg prometheus.Registerer) *InstrumentedRoundTripper {
	return &InstrumentedRoundTripper{
		inFlightGauge: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_in_flight_requests",
				Help: "A gauge of in-flight requests for the wrapped client.",
			}, []string{"client"},
		),
		counter: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "client_api_requests_total",
				Help: "A counter for requests from the wrapped client.",
			}, []string{"code", "method", "client"},
		),
		dnsLatencyVec: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_duration_seconds",
				Help:    "Trace dns latency histogram.",
				Buckets: []float64{.005, .01, .025, .05},
			}, []string{"event", "client"},
		),
		tlsLatencyVec: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tls_duration_seconds",
				Help:    "Trace tls latency histogram.",
				Buckets: []float64{.05, .1, .25, .5},
			}, []string{"event", "client"},
		),
		histVec: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "A histogram of request latencies.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "client"},
		),
	}
}

// NewRoundTripper wraps next with the metrics of clientName.
func (i *InstrumentedRoundTripper) NewRoundTripper(clientName string, next http.RoundTripper) http.RoundTripper {
	trace := &promhttp.InstrumentTrace{
		DNSStart: func(t float64) {
			i.dnsLatencyVec.
				WithLabelValues("dns_start", clientName).
				Observe(t)
		},
		DNSDone: func(t float64) {
			i.dnsLatencyVec.
				WithLabelValues("dns_done", clientName).
				Observe(t)
		},
		TLSHandshakeStart: func(t float64) {
			i.tlsLatencyVec.
				WithLabelValues("tls_handshake_start", clientName).
				Observe(t)
		},
		TLSHandshakeDone: func(t float64) {
			i.tlsLatencyVec.
				WithLabelValues("tls_handshake_done", clientName).
				Observe(t)
		},
	}

	labels := prometheus.Labels{"client": clientName}
	rt := promhttp.InstrumentRoundTripperInFlight(i.inFlightGauge.WithLabelValues(clientName),
		promhttp.InstrumentRoundTripperCounter(i.counter.MustCurryWith(labels),
			promhttp.InstrumentRoundTripperTrace(trace,
				promhttp.InstrumentRoundTripperDuration(i.histVec.MustCurryWith(labels), next),
			),
		),
	)

	// promhttp does not pass idle connection closer properly, so let's do it on our own.
	if ic, ok := next.(idleConnectionCloser); ok {
		return &transportWithIdleConnectionCloser{
			idleConnectionCloser: ic,
			RoundTripper:         rt,
		}
	}
	return rt
}

// PathRouter sends each request to the round tripper registered for its URL path,
// falling back to the default one.
type PathRouter struct {
	Routes  map[string]http.RoundTripper
	Default http.RoundTripper
}

func (p *PathRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt, ok := p.Routes[req.URL.Path]; ok {
		return rt.RoundTrip(req)
	}
	return p.Default.RoundTrip(req)
}

type idleConnectionCloser interface {
	CloseIdleConnections()
}

type transportWithIdleConnectionCloser struct {
	idleConnectionCloser
	http.RoundTripper
}
