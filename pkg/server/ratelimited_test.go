package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

func TestRatelimit(t *testing.T) {
	now := time.Time{}.Add(time.Hour)
	clock := func() time.Time { return now }

	handler := Ratelimit(log.NewNopLogger(), time.Minute, 1, clock,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	for _, tc := range []struct {
		name           string
		advance        time.Duration
		remoteAddr     string
		expectedStatus int
	}{
		{
			name:           "SuccessForA",
			remoteAddr:     "10.0.0.1:4000",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "SuccessForB",
			remoteAddr:     "10.0.0.2:4000",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "FailAfter1sForAOnAnotherPort",
			advance:        time.Second,
			remoteAddr:     "10.0.0.1:5000",
			expectedStatus: http.StatusTooManyRequests,
		},
		{
			name:           "SuccessAfter1minForA",
			advance:        time.Minute,
			remoteAddr:     "10.0.0.1:4000",
			expectedStatus: http.StatusOK,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			now = now.Add(tc.advance)

			req := httptest.NewRequest(http.MethodPost, "/api/log-usage", nil)
			req.RemoteAddr = tc.remoteAddr
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tc.expectedStatus {
				t.Fatalf("expected status %d and got %d: %s", tc.expectedStatus, rec.Code, rec.Body.String())
			}

			if tc.expectedStatus == http.StatusTooManyRequests {
				var body envelope
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatal(err)
				}
				if body.Status != statusError || body.Message != messageTooManyRequests {
					t.Errorf("unexpected body %s", rec.Body.String())
				}
			}
		})
	}
}

func TestRatelimitStore_Limit(t *testing.T) {
	s := &ratelimitStore{
		limits: map[string]*rate.Limiter{},
		burst:  1,
		mu:     sync.Mutex{},
	}

	now := time.Time{}.Add(time.Hour)

	for _, tc := range []struct {
		name    string
		advance time.Duration
		key     string
		err     error
	}{
		{
			name:    "first",
			advance: 0,
			key:     "a",
			err:     nil,
		},
		{
			name:    "1sfails",
			advance: time.Second,
			key:     "a",
			err:     ErrRequestLimitReached("a"),
		},
		{
			name:    "10sfails",
			advance: 10 * time.Second,
			key:     "a",
			err:     ErrRequestLimitReached("a"),
		},
		{
			name:    "10sSuccessForB",
			advance: 10 * time.Second,
			key:     "b",
			err:     nil,
		},
		{
			name:    "1minSuccess",
			advance: time.Minute,
			key:     "a",
			err:     nil,
		},
		{
			name:    "2minSuccess",
			advance: 2 * time.Minute,
			key:     "a",
			err:     nil,
		},
		{
			name:    "2minSuccessForB",
			advance: 2 * time.Minute,
			key:     "b",
			err:     nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := s.limit(time.Minute, now.Add(tc.advance), tc.key)
			if err != tc.err {
				t.Errorf("expected '%s' got '%s'", tc.err, err)
			}
		})
	}
}

func TestRatelimitStoreBurst(t *testing.T) {
	s := &ratelimitStore{limits: map[string]*rate.Limiter{}, burst: 3}
	now := time.Time{}.Add(time.Hour)

	for i := 0; i < 3; i++ {
		if err := s.limit(time.Minute, now, "a"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	if err := s.limit(time.Minute, now, "a"); err != ErrRequestLimitReached("a") {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestRatelimitStoreSweep(t *testing.T) {
	s := &ratelimitStore{limits: map[string]*rate.Limiter{}, burst: 1}
	now := time.Time{}.Add(time.Hour)

	for _, key := range []string{"a", "b", "c"} {
		if err := s.limit(time.Minute, now, key); err != nil {
			t.Fatalf("%s: unexpected error %v", key, err)
		}
	}
	if len(s.limits) != 3 {
		t.Fatalf("expected 3 limiters, got %d", len(s.limits))
	}

	// All three buckets have refilled, only a comes back.
	later := now.Add(2 * time.Minute)
	if err := s.limit(time.Minute, later, "a"); err != nil {
		t.Fatalf("a: unexpected error %v", err)
	}
	if len(s.limits) != 1 {
		t.Fatalf("expected idle limiters to be dropped, got %d left", len(s.limits))
	}
	if err := s.limit(time.Minute, later.Add(time.Second), "a"); err != ErrRequestLimitReached("a") {
		t.Fatalf("expected limit error for a, got %v", err)
	}
}
