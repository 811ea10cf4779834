package executor

import (
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/engine"
)

// DefaultMaxArtifactSize caps how much of a stored binary is read.
const DefaultMaxArtifactSize int64 = 64 << 20

// Option configures a single invocation.
type Option func(*runConfig)

type runConfig struct {
	stdout io.Writer
}

// WithStdout sends this invocation's guest stdout to w instead of the
// policy's writer.
func WithStdout(w io.Writer) Option {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	strategy        Strategy
	timeout         time.Duration
	engine          *engine.Engine
	engineConfig    engine.Config
	lifecycle       Lifecycle
	broker          *capability.Broker
	maxArtifactSize int64
	logger          *zap.Logger
	tracer          trace.TracerProvider
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		engineConfig:    engine.DefaultConfig(),
		maxArtifactSize: DefaultMaxArtifactSize,
		logger:          zap.NewNop(),
	}
}

// WithStrategy selects the invocation strategy. The executor owns it and
// closes it on Close. Default is Cooperative.
func WithStrategy(s Strategy) ExecutorOption {
	return func(c *executorConfig) {
		c.strategy = s
	}
}

// WithTimeout bounds each invocation, fetch included. A guest still running
// at the deadline is killed with a timeout fault. Default 0 means no limit.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		c.timeout = d
	}
}

// WithEngine uses a caller-owned engine. It is not closed by the executor.
func WithEngine(e *engine.Engine) ExecutorOption {
	return func(c *executorConfig) {
		c.engine = e
	}
}

// WithEngineConfig configures the engine the executor creates for itself.
// Ignored when WithEngine is given.
func WithEngineConfig(cfg engine.Config) ExecutorOption {
	return func(c *executorConfig) {
		c.engineConfig = cfg
	}
}

// WithLifecycle replaces the compile, instantiate, invoke sequence.
func WithLifecycle(l Lifecycle) ExecutorOption {
	return func(c *executorConfig) {
		c.lifecycle = l
	}
}

// WithBroker sets the capability broker. Default grants stdout only.
func WithBroker(b *capability.Broker) ExecutorOption {
	return func(c *executorConfig) {
		c.broker = b
	}
}

// WithMaxArtifactSize caps the size of fetched binaries.
func WithMaxArtifactSize(n int64) ExecutorOption {
	return func(c *executorConfig) {
		c.maxArtifactSize = n
	}
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(c *executorConfig) {
		c.tracer = tp
	}
}
