package capability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/fnhost/hostfunc"
)

func TestDetectCore(t *testing.T) {
	req := DetectCore([]Import{
		{Module: WASIModule, Name: "fd_write"},
		{Module: WASIModule, Name: "proc_exit"},
		{Module: NetworkModule, Name: NetworkCall},
		{Module: "env", Name: "abort"},
	})

	assert.Equal(t, []Capability{Network, Stdout}, req.Needs)
	assert.Equal(t, []string{"env.abort"}, req.Unknown)
	assert.True(t, req.Requires(Network))
}

func TestDetectCoreNoImports(t *testing.T) {
	req := DetectCore(nil)
	assert.Empty(t, req.Needs)
	assert.Empty(t, req.Unknown)
}

func TestDetectComponent(t *testing.T) {
	req := DetectComponent([]string{
		"wasi:cli/environment@0.2.0",
		"wasi:io/streams@0.2.0",
		"wasi:http/outgoing-handler@0.2.0",
		"wasi:http/types@0.2.0",
		"wasi:filesystem/preopens@0.2.0",
		"acme:kv/store",
	})

	assert.Equal(t, []Capability{Filesystem, Network, Stdout}, req.Needs)
	assert.Equal(t, []string{"acme:kv/store"}, req.Unknown)
}

// =============================================================================
// Broker
// =============================================================================

func TestGrantAlwaysIncludesStdout(t *testing.T) {
	b := NewBroker(Policy{})
	set := b.Grant(Request{}, Scope{})

	assert.True(t, set.Has(Stdout))
	assert.False(t, set.Has(Network))
	assert.Equal(t, []Capability{Stdout}, set.List())
}

func TestGrantNetwork(t *testing.T) {
	policy := Policy{
		AllowNetwork: true,
		HTTP:         hostfunc.HTTPConfig{AllowedHosts: []string{"localhost"}},
	}
	needsNet := Request{Needs: []Capability{Network, Stdout}}

	tests := []struct {
		name     string
		policy   Policy
		req      Request
		suspends bool
		want     bool
	}{
		{"granted", policy, needsNet, true, true},
		{"not requested", policy, Request{Needs: []Capability{Stdout}}, true, false},
		{"policy denies", Policy{}, needsNet, true, false},
		{"blocking strategy", policy, needsNet, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewBroker(tt.policy).Grant(tt.req, Scope{Suspends: tt.suspends})
			assert.Equal(t, tt.want, set.Has(Network))
			if tt.want {
				assert.Equal(t, []string{"localhost"}, set.HTTPConfig().AllowedHosts)
				assert.Empty(t, set.Missing(tt.req))
			} else {
				assert.Empty(t, set.HTTPConfig().AllowedHosts)
			}
		})
	}
}

func TestGrantNeverGivesFilesystemOrSockets(t *testing.T) {
	b := NewBroker(Policy{AllowNetwork: true})
	req := Request{Needs: []Capability{Filesystem, Sockets, Stdout}}
	set := b.Grant(req, Scope{Suspends: true})

	assert.False(t, set.Has(Filesystem))
	assert.False(t, set.Has(Sockets))
	assert.Equal(t, []Capability{Filesystem, Sockets}, set.Missing(req))
}

func TestGrantBuildsFreshSets(t *testing.T) {
	b := NewBroker(Policy{AllowNetwork: true, HTTP: hostfunc.HTTPConfig{AllowedHosts: []string{"a.example"}}})

	withNet := b.Grant(Request{Needs: []Capability{Network}}, Scope{Suspends: true})
	withoutNet := b.Grant(Request{}, Scope{Suspends: true})

	require.True(t, withNet.Has(Network))
	assert.False(t, withoutNet.Has(Network), "earlier grant leaked into a later one")
	assert.NotSame(t, withNet, withoutNet)

	// Mutating a returned config must not reach other sets.
	cfg := withNet.HTTPConfig()
	cfg.AllowedHosts[0] = "evil.example"
	assert.Equal(t, []string{"a.example"}, withNet.HTTPConfig().AllowedHosts)
	assert.Equal(t, []string{"a.example"}, b.Policy().HTTP.AllowedHosts)
}

func TestGrantStdoutScope(t *testing.T) {
	var policyOut, scopeOut bytes.Buffer
	b := NewBroker(Policy{Stdout: &policyOut})

	assert.Same(t, &policyOut, b.Grant(Request{}, Scope{}).Stdout())
	assert.Same(t, &scopeOut, b.Grant(Request{}, Scope{Stdout: &scopeOut}).Stdout())
}

func TestNewSetDropsUngrantable(t *testing.T) {
	set := NewSet(nil, hostfunc.HTTPConfig{}, Stdout, Filesystem)
	assert.Equal(t, []Capability{Stdout}, set.List())
	assert.NotNil(t, set.Stdout())
}
