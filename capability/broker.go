package capability

import (
	"io"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/hostfunc"
)

// grantable lists everything a Broker may ever hand out.
var grantable = []Capability{Stdout, Network}

// Policy is the deployment-wide grant policy. Read-only after startup.
type Policy struct {
	// Stdout receives guest standard output. Nil means the host's stdout.
	Stdout io.Writer
	// AllowNetwork permits the Network capability for guests that import it.
	AllowNetwork bool
	// HTTP limits and host allow-list for granted network access.
	HTTP hostfunc.HTTPConfig
}

// Scope carries the per-invocation inputs to a grant.
type Scope struct {
	// Suspends is true when the invocation strategy can host capabilities
	// that block on I/O without stalling the request scheduler.
	Suspends bool
	// Stdout overrides Policy.Stdout for this invocation.
	Stdout io.Writer
}

// Broker builds capability sets.
type Broker struct {
	policy Policy
	logger *zap.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger used to report denied capabilities.
func WithLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

func NewBroker(policy Policy, opts ...BrokerOption) *Broker {
	if policy.Stdout == nil {
		policy.Stdout = os.Stdout
	}
	policy.HTTP.AllowedHosts = slices.Clone(policy.HTTP.AllowedHosts)

	b := &Broker{policy: policy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Policy returns the broker's policy.
func (b *Broker) Policy() Policy {
	p := b.policy
	p.HTTP.AllowedHosts = slices.Clone(p.HTTP.AllowedHosts)
	return p
}

// Grant builds a new Set for one invocation. Stdout is always granted.
// Network is granted only when req needs it, the policy allows it and the
// scope can suspend. Nothing else is ever granted.
func (b *Broker) Grant(req Request, scope Scope) *Set {
	s := &Set{
		granted: map[Capability]bool{Stdout: true},
		stdout:  b.policy.Stdout,
	}
	if scope.Stdout != nil {
		s.stdout = scope.Stdout
	}

	if req.Requires(Network) {
		switch {
		case !b.policy.AllowNetwork:
			b.logger.Debug("network capability denied by policy")
		case !scope.Suspends:
			b.logger.Debug("network capability denied: strategy cannot suspend")
		default:
			s.granted[Network] = true
			s.http = b.policy.HTTP
			s.http.AllowedHosts = slices.Clone(b.policy.HTTP.AllowedHosts)
		}
	}
	return s
}

// Set is an immutable grant for exactly one sandbox instance.
type Set struct {
	granted map[Capability]bool
	stdout  io.Writer
	http    hostfunc.HTTPConfig
}

// NewSet builds a Set directly. Capabilities outside the grantable set are
// dropped. Intended for tests and embedders that bypass the Broker.
func NewSet(stdout io.Writer, http hostfunc.HTTPConfig, caps ...Capability) *Set {
	if stdout == nil {
		stdout = io.Discard
	}
	s := &Set{granted: make(map[Capability]bool), stdout: stdout, http: http}
	for _, c := range caps {
		if slices.Contains(grantable, c) {
			s.granted[c] = true
		}
	}
	return s
}

// Has reports whether c is granted.
func (s *Set) Has(c Capability) bool {
	return s != nil && s.granted[c]
}

// List returns the granted capabilities in sorted order.
func (s *Set) List() []Capability {
	if s == nil {
		return nil
	}
	out := make([]Capability, 0, len(s.granted))
	for c := range s.granted {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Missing returns the capabilities req needs that are not granted.
func (s *Set) Missing(req Request) []Capability {
	var missing []Capability
	for _, c := range req.Needs {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Stdout returns the writer guest standard output goes to.
func (s *Set) Stdout() io.Writer {
	if s == nil || s.stdout == nil {
		return io.Discard
	}
	return s.stdout
}

// HTTPConfig returns the outbound HTTP configuration. Zero unless Network
// is granted.
func (s *Set) HTTPConfig() hostfunc.HTTPConfig {
	if !s.Has(Network) {
		return hostfunc.HTTPConfig{}
	}
	cfg := s.http
	cfg.AllowedHosts = slices.Clone(cfg.AllowedHosts)
	return cfg
}
