package hostfunc

// Guest call protocol. A guest sends one CallRequest as JSON and receives one
// CallResponse as JSON.

type CallRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type CallResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// HTTP types

type HTTPRequest struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}
