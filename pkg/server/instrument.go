package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrumenter records latency, request size and count for the handlers it wraps.
type Instrumenter struct {
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

func NewInstrumenter(reg prometheus.Registerer) *Instrumenter {
	return &Instrumenter{
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                            "http_request_duration_seconds",
				Help:                            "Tracks the latencies for HTTP requests.",
				NativeHistogramBucketFactor:     1.1,
				NativeHistogramMaxBucketNumber:  100,
				NativeHistogramMinResetDuration: 1 * time.Hour,
				Buckets:                         prometheus.DefBuckets,
			},
			[]string{"code", "handler", "method"},
		),
		requestSize: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                            "http_request_size_bytes",
				Help:                            "Tracks the size of HTTP requests.",
				NativeHistogramBucketFactor:     1.1,
				NativeHistogramMaxBucketNumber:  100,
				NativeHistogramMinResetDuration: 1 * time.Hour,
				Buckets:                         []float64{256, 1024, 8192, 65536, 262144},
			},
			[]string{"code", "handler", "method"},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Tracks the number of HTTP requests.",
			}, []string{"code", "handler", "method"},
		),
	}
}

// Handler wraps next, labelling its series with handlerName.
func (i *Instrumenter) Handler(handlerName string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handlerName}
	return promhttp.InstrumentHandlerDuration(
		i.requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerRequestSize(
			i.requestSize.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(
				i.requestsTotal.MustCurryWith(labels),
				next,
			),
		),
	)
}
