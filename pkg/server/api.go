package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noscroll/usage-gateway/pkg/actions"
)

// DefaultRequestLimit bounds the size of an /api/log-usage body.
const DefaultRequestLimit = 64 * 1024

// API serves /api/log-usage.
type API struct {
	logger     log.Logger
	forwarder  Forwarder
	limitBytes int64
	requests   *prometheus.CounterVec
}

func NewAPI(logger log.Logger, reg prometheus.Registerer, forwarder Forwarder, limitBytes int64) *API {
	if limitBytes <= 0 {
		limitBytes = DefaultRequestLimit
	}
	return &API{
		logger:     log.With(logger, "component", "api"),
		forwarder:  forwarder,
		limitBytes: limitBytes,
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_gateway_actions_total",
				Help: "Tracks the number of proxied actions by action and response code.",
			}, []string{"action", "code"},
		),
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.With(a.logger, "request", middleware.GetReqID(r.Context()))

	action := "invalid"
	respond := func(code int, body envelope) {
		a.requests.WithLabelValues(action, strconv.Itoa(code)).Inc()
		writeJSON(logger, w, code, body)
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.limitBytes))
	if err != nil {
		level.Warn(logger).Log("msg", "failed to read request body", "err", err)
		respond(errorResponse(err))
		return
	}

	req, err := actions.Decode(data)
	if err != nil {
		level.Warn(logger).Log("msg", "rejected request", "err", err)
		respond(errorResponse(err))
		return
	}
	action = string(req.Action())
	logger = log.With(logger, "action", action)

	res, err := a.forwarder.Forward(r.Context(), req)
	if err != nil {
		level.Error(logger).Log("msg", "failed to process request", "err", err)
		respond(errorResponse(err))
		return
	}

	level.Debug(logger).Log("msg", "request processed")
	respond(http.StatusOK, envelope{
		Status:             statusSuccess,
		Message:            messageSuccess,
		SalesforceResponse: res,
	})
}
