// Package hostfunc provides the host functions a sandboxed guest can reach
// through the network capability.
//
// A guest sends a JSON [CallRequest] naming a function and its arguments; the
// host looks the function up in a [Registry] and answers with a JSON
// [CallResponse]:
//
//	{"fn": "http_get", "args": {"url": "http://localhost:9000/bucket?list-type=2"}}
//	{"data": {"status": 200, "body": "...", "headers": {...}}}
//
// # Registry
//
// Each sandbox instance gets its own [Registry], populated only with what its
// capability set grants:
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"localhost"},
//	}).Register(registry)
//	resp := registry.Dispatch(ctx, requestJSON)
//
// # HTTP
//
// [HTTP] restricts requests to allow-listed hosts and their subdomains, caps
// URL and body sizes, and does not follow redirects. With no allowed hosts
// every request fails with "http not enabled".
package hostfunc
