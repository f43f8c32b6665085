package http

import (
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type debugRoundTripper struct {
	logger log.Logger
	next   http.RoundTripper
}

// NewDebugRoundTripper logs every outgoing request and its response at debug level.
// Bodies are included, so it must only be enabled for troubleshooting.
func NewDebugRoundTripper(logger log.Logger, next http.RoundTripper) http.RoundTripper {
	return &debugRoundTripper{logger: logger, next: next}
}

func (rt *debugRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if b, err := httputil.DumpRequestOut(req, true); err == nil {
		level.Debug(rt.logger).Log("msg", "outgoing request", "request", redactAuthorization(b))
	}

	res, err := rt.next.RoundTrip(req)
	if err != nil {
		level.Debug(rt.logger).Log("msg", "outgoing request failed", "url", req.URL.String(), "err", err)
		return nil, err
	}

	if b, err := httputil.DumpResponse(res, true); err == nil {
		level.Debug(rt.logger).Log("msg", "incoming response", "response", string(b))
	}
	return res, nil
}

func redactAuthorization(dump []byte) string {
	lines := strings.SplitAfter(string(dump), "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "Authorization: ") {
			lines[i] = "Authorization: REDACTED\r\n"
		}
	}
	return strings.Join(lines, "")
}
