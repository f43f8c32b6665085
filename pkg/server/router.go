package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"

	"github.com/noscroll/usage-gateway/pkg/runutil"
)

// APIPath is where the front end posts actions.
const APIPath = "/api/log-usage"

// RouterOptions configures the external router.
type RouterOptions struct {
	API    http.Handler
	Static http.Handler

	// Instrumenter is optional. When set the API and static handlers are measured.
	Instrumenter *Instrumenter

	// Ratelimit is the interval between requests allowed per client on the API.
	// Zero disables rate limiting.
	Ratelimit      time.Duration
	RatelimitBurst int
}

// NewRouter serves the API on POST /api/log-usage and static files on GET and HEAD.
// Any other POST is answered with 404 and any other method with 405.
func NewRouter(logger log.Logger, opts RouterOptions) http.Handler {
	api, static := opts.API, opts.Static
	if opts.Instrumenter != nil {
		api = opts.Instrumenter.Handler("api", api)
		static = opts.Instrumenter.Handler("static", static)
	}
	if opts.Ratelimit > 0 {
		api = Ratelimit(logger, opts.Ratelimit, opts.RatelimitBurst, time.Now, api)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(CORS)
	r.Use(Recover(logger))
	r.Use(func(next http.Handler) http.Handler {
		return runutil.ExhaustCloseRequestBodyHandler(logger, next)
	})

	r.NotFound(NotFound(logger))
	r.MethodNotAllowed(MethodNotAllowed(logger))

	r.Method(http.MethodPost, APIPath, api)
	r.Method(http.MethodGet, "/*", static)
	r.Method(http.MethodHead, "/*", static)
	r.Method(http.MethodPost, "/*", NotFound(logger))

	return r
}
