package hostfunc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestHTTPHostAllowList(t *testing.T) {
	tests := []struct {
		allowed []string
		host    string
		want    bool
	}{
		{[]string{"example.com"}, "example.com", true},
		{[]string{"example.com"}, "api.example.com", true},
		{[]string{"example.com"}, "API.Example.COM", true},
		{[]string{"example.com"}, "evilexample.com", false},
		{[]string{"example.com"}, "example.com.evil.test", false},
		{[]string{"example.com"}, "other.test", false},
		{[]string{"127.0.0.1"}, "127.0.0.1", true},
		{[]string{"127.0.0.1"}, "::ffff:127.0.0.1", true},
		{[]string{"127.0.0.1"}, "127.0.0.2", false},
		{[]string{"::1"}, "0:0:0:0:0:0:0:1", true},
		{[]string{"[::1]"}, "::1", true},
		// IPs never match by suffix and names never match IPs.
		{[]string{"0.0.1"}, "127.0.0.1", false},
		{[]string{"1"}, "::1", false},
		{[]string{"localhost"}, "127.0.0.1", false},
	}

	for _, tc := range tests {
		h := NewHTTP(HTTPConfig{AllowedHosts: tc.allowed})
		if got := h.isHostAllowed(tc.host); got != tc.want {
			t.Errorf("allowed=%v host=%q: got %v, want %v", tc.allowed, tc.host, got, tc.want)
		}
	}
}

func TestHTTPRejects(t *testing.T) {
	h := NewHTTP(HTTPConfig{
		AllowedHosts: []string{"example.com"},
		MaxURLLength: 64,
		MaxBodySize:  8,
	})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing url", map[string]any{}, "url required"},
		{"bad method", map[string]any{"url": "http://example.com", "method": "TRACE"}, "unsupported method"},
		{"bad scheme", map[string]any{"url": "file:///etc/passwd"}, "scheme must be"},
		{"invalid url", map[string]any{"url": "http://[::1"}, "invalid url"},
		{"url too long", map[string]any{"url": "http://example.com/" + strings.Repeat("a", 64)}, "max length"},
		{"host not allowed", map[string]any{"url": "http://other.test/"}, "host not allowed: other.test"},
		{"query bypass", map[string]any{"url": "http://evil.test/?x=example.com"}, "host not allowed"},
		{"body too large", map[string]any{"url": "http://example.com", "method": "POST", "body": "0123456789"}, "body exceeds"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Request(context.Background(), tc.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should contain %q", err, tc.want)
			}
		})
	}
}

func TestHTTPDisabledWithoutHosts(t *testing.T) {
	h := NewHTTP(HTTPConfig{})
	_, err := h.Request(context.Background(), map[string]any{"url": "http://example.com"})
	if err == nil || !strings.Contains(err.Error(), "http not enabled") {
		t.Fatalf("expected 'http not enabled', got %v", err)
	}
}

func TestHTTPDefaults(t *testing.T) {
	h := NewHTTP(HTTPConfig{})
	if h.cfg.MaxURLLength != DefaultMaxURLLength {
		t.Errorf("MaxURLLength = %d", h.cfg.MaxURLLength)
	}
	if h.cfg.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("MaxBodySize = %d", h.cfg.MaxBodySize)
	}
	if h.client.Timeout != DefaultRequestTimeout {
		t.Errorf("timeout = %s", h.client.Timeout)
	}
}

func newUpstream(t *testing.T, handler http.HandlerFunc) (*HTTP, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	return NewHTTP(HTTPConfig{AllowedHosts: []string{u.Hostname()}, MaxBodySize: 16}), srv.URL
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	h, base := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Token", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "got:"+string(body))
	})

	out, err := h.Request(context.Background(), map[string]any{
		"url":     base + "/objects",
		"method":  "post",
		"headers": map[string]any{"X-Token": "t0k", "X-Ignored": 42},
		"body":    "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp := out.(HTTPResponse)
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d", resp.Status)
	}
	if resp.Body != "got:hi" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Headers["X-Method"] != "POST" || resp.Headers["X-Token"] != "t0k" {
		t.Errorf("headers = %v", resp.Headers)
	}
}

func TestHTTPResponseTruncated(t *testing.T) {
	h, base := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	})

	out, err := h.Request(context.Background(), map[string]any{"url": base})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(out.(HTTPResponse).Body); got != 16 {
		t.Errorf("body length = %d, want 16", got)
	}
}

func TestHTTPDoesNotFollowRedirects(t *testing.T) {
	h, base := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.test/", http.StatusFound)
	})

	out, err := h.Request(context.Background(), map[string]any{"url": base})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := out.(HTTPResponse)
	if resp.Status != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.Status)
	}
	if resp.Headers["Location"] != "http://evil.test/" {
		t.Errorf("location = %q", resp.Headers["Location"])
	}
}

func TestHTTPGetForcesMethod(t *testing.T) {
	h, base := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Method)
	})

	args := map[string]any{"url": base, "method": "DELETE"}
	out, err := h.Get(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(HTTPResponse).Body != "GET" {
		t.Errorf("method = %q, want GET", out.(HTTPResponse).Body)
	}
	if args["method"] != "DELETE" {
		t.Error("Get must not modify the caller's args")
	}
}

func TestHTTPRegister(t *testing.T) {
	r := NewRegistry()
	NewHTTP(HTTPConfig{}).Register(r)

	got := r.List()
	if len(got) != 2 || got[0] != "http_get" || got[1] != "http_request" {
		t.Errorf("registered = %v", got)
	}
}
