package hostfunc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPConfig bounds outbound requests made on a guest's behalf.
type HTTPConfig struct {
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	MaxBodySize    int64         `yaml:"max_body_size"`
	MaxURLLength   int           `yaml:"max_url_length"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HTTP performs outbound requests restricted to an allow-list of hosts.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			// A redirect could leave the allow-list.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Register adds http_request and http_get to r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

// Request performs the request described by args (method, url, headers,
// body) and returns an HTTPResponse.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	in, err := h.parseRequest(args)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: make(map[string]string, len(resp.Header)),
	}
	for k, v := range resp.Header {
		if len(v) > 0 {
			out.Headers[k] = v[0]
		}
	}
	return out, nil
}

// parseRequest validates guest arguments against the configured limits and
// the host allow-list.
func (h *HTTP) parseRequest(args map[string]any) (HTTPRequest, error) {
	var in HTTPRequest

	in.Method, _ = args["method"].(string)
	if in.Method == "" {
		in.Method = http.MethodGet
	}
	in.Method = strings.ToUpper(in.Method)
	switch in.Method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return in, fmt.Errorf("unsupported method: %s", in.Method)
	}

	in.URL, _ = args["url"].(string)
	if in.URL == "" {
		return in, fmt.Errorf("url required")
	}
	if len(in.URL) > h.cfg.MaxURLLength {
		return in, fmt.Errorf("url exceeds max length")
	}
	parsed, err := url.Parse(in.URL)
	if err != nil {
		return in, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return in, fmt.Errorf("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return in, fmt.Errorf("http not enabled")
	}
	if host := parsed.Hostname(); !h.isHostAllowed(host) {
		return in, fmt.Errorf("host not allowed: %s", host)
	}

	in.Body, _ = args["body"].(string)
	if int64(len(in.Body)) > h.cfg.MaxBodySize {
		return in, fmt.Errorf("request body exceeds max size")
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		in.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				in.Headers[k] = vs
			}
		}
	}
	return in, nil
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	forced := make(map[string]any, len(args)+1)
	for k, v := range args {
		forced[k] = v
	}
	forced["method"] = "GET"
	return h.Request(ctx, forced)
}

// isHostAllowed matches exact hosts and subdomains of allowed names. IP
// addresses are compared in canonical form and never match by suffix.
func (h *HTTP) isHostAllowed(host string) bool {
	ip, hostIsIP := parseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if allowedIP, ok := parseIP(allowed); ok {
			if hostIsIP && ip == allowedIP {
				return true
			}
			continue
		}
		if hostIsIP {
			continue
		}
		if strings.EqualFold(host, allowed) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

func parseIP(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
