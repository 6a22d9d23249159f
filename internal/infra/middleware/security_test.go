package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, remote string) int {
	req := httptest.NewRequest("GET", "/sessions", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, v := range want {
		if got := w.Header().Get(header); got != v {
			t.Errorf("%s = %q, want %q", header, got, v)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set without TLS: %q", hsts)
	}
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("HSTS missing on TLS request")
	}
}

func TestPerClientLimitBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := PerClientLimit(ctx, RateLimitConfig{PerMinute: 6, Burst: 3})(okHandler)

	var allowed, blocked int
	for range 10 {
		switch serve(h, "192.168.1.1:12345") {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			blocked++
		}
	}
	if allowed != 3 || blocked != 7 {
		t.Errorf("allowed=%d blocked=%d, want 3/7", allowed, blocked)
	}
}

func TestPerClientLimitSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := PerClientLimit(ctx, RateLimitConfig{PerMinute: 6, Burst: 1})(okHandler)

	if serve(h, "10.0.0.1:1") != http.StatusOK {
		t.Fatal("first request from client 1 blocked")
	}
	if serve(h, "10.0.0.1:2") != http.StatusTooManyRequests {
		t.Error("second request from client 1 allowed")
	}
	if serve(h, "10.0.0.2:1") != http.StatusOK {
		t.Error("client 2 shares client 1's bucket")
	}
}

func TestPerClientLimitDisabled(t *testing.T) {
	h := PerClientLimit(context.Background(), RateLimitConfig{})(okHandler)
	for range 50 {
		if serve(h, "10.0.0.1:1") != http.StatusOK {
			t.Fatal("disabled limiter blocked a request")
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{"no proxies strips port", "192.168.1.1:12345", "", "", nil, "192.168.1.1"},
		{"untrusted peer ignores XFF", "1.2.3.4:1", "8.8.8.8", "", []string{"192.168.1.1"}, "1.2.3.4"},
		{"trusted peer uses first XFF hop", "192.168.1.1:1", "203.0.113.1, 198.51.100.1", "", []string{"192.168.1.1"}, "203.0.113.1"},
		{"trusted peer falls back to X-Real-IP", "192.168.1.1:1", "", "203.0.113.9", []string{"192.168.1.1"}, "203.0.113.9"},
		{"trusted peer without headers", "192.168.1.1:1", "", "", []string{"192.168.1.1"}, "192.168.1.1"},
		{"ipv6 peer", "[::1]:8765", "", "", nil, "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
