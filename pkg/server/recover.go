package server

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Recover turns a panicking handler into a 500 JSON response.
// http.ErrAbortHandler is passed through so net/http can abort the response.
func Recover(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				level.Error(logger).Log(
					"msg", "handler panicked",
					"request", middleware.GetReqID(r.Context()),
					"path", r.URL.Path,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
				writeJSON(logger, w, http.StatusInternalServerError, envelope{
					Status:  statusError,
					Message: messageInternalError,
					Details: fmt.Sprint(p),
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
