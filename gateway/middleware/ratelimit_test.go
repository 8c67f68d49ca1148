package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(Limit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.Header.Set("X-Real-IP", "203.0.113.9")

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(Limit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/infer", nil)
	reqA.Header.Set("X-Real-IP", "203.0.113.1")
	reqB := httptest.NewRequest(http.MethodPost, "/infer", nil)
	reqB.Header.Set("X-Real-IP", "203.0.113.2")

	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("client A = %d, want 200", resA.Code)
	}

	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("client B = %d, want 200; A's budget must not apply", resB.Code)
	}
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	limiter := NewRateLimiter(Limit{}, nil)
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for i := 0; i < 20; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d = %d with limiting disabled", i, res.Code)
		}
	}
}

func TestClientIDResolution(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(r *http.Request)
		wantID string
	}{
		{
			name:   "x-real-ip wins",
			setup:  func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.7") },
			wantID: "198.51.100.7",
		},
		{
			name:   "forwarded-for first hop",
			setup:  func(r *http.Request) { r.Header.Set("X-Forwarded-For", "198.51.100.8, 10.0.0.1") },
			wantID: "198.51.100.8",
		},
		{
			name:   "remote addr host",
			setup:  func(r *http.Request) { r.RemoteAddr = "192.0.2.4:5511" },
			wantID: "192.0.2.4",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			tc.setup(req)
			if got := ClientID(req); got != tc.wantID {
				t.Fatalf("ClientID = %q, want %q", got, tc.wantID)
			}
		})
	}
}
