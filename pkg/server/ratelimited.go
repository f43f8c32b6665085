package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

type ErrRequestLimitReached string

func (e ErrRequestLimitReached) Error() string {
	return fmt.Sprintf("request limit reached for client %q", string(e))
}

// Ratelimit allows each client, identified by its remote IP, one request per limit
// with bursts of up to burst requests. Requests above the limit get 429.
func Ratelimit(logger log.Logger, limit time.Duration, burst int, now func() time.Time, next http.Handler) http.Handler {
	if burst < 1 {
		burst = 1
	}
	s := ratelimitStore{
		limits: make(map[string]*rate.Limiter),
		burst:  burst,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		if err := s.limit(limit, now(), key); err != nil {
			level.Warn(logger).Log("msg", "rate limited", "err", err)
			writeJSON(logger, w, http.StatusTooManyRequests, envelope{Status: statusError, Message: messageTooManyRequests})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sweepInterval is how often idle limiters are dropped from the store.
const sweepInterval = time.Minute

type ratelimitStore struct {
	limits    map[string]*rate.Limiter
	burst     int
	lastSweep time.Time
	mu        sync.Mutex
}

func (s *ratelimitStore) limit(limit time.Duration, now time.Time, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}

	limiter, ok := s.limits[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(limit), s.burst)
		s.limits[key] = limiter
	}

	if !limiter.AllowN(now, 1) {
		return ErrRequestLimitReached(key)
	}

	return nil
}

// sweep drops limiters whose bucket has refilled. Such a limiter behaves like a new one.
func (s *ratelimitStore) sweep(now time.Time) {
	for key, limiter := range s.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(s.limits, key)
		}
	}
	s.lastSweep = now
}
