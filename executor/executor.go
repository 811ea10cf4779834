package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/contract"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/faults"
	"github.com/caffeineduck/fnhost/sandbox"
	"github.com/caffeineduck/fnhost/storage"
)

// ErrClosed is returned for invocations on a closed Executor.
var ErrClosed = errors.New("executor closed")

const tracerName = "github.com/caffeineduck/fnhost/executor"

// Result holds the output and metadata of one invocation.
type Result struct {
	ID       string
	Output   string
	Duration time.Duration
	Error    error
}

// Executor runs stored functions. Every invocation gets its own compiled
// artifact, capability set and instance; nothing is shared between them but
// read-only configuration.
type Executor struct {
	store           storage.Fetcher
	strategy        Strategy
	lifecycle       Lifecycle
	broker          *capability.Broker
	engine          *engine.Engine
	ownsEngine      bool
	timeout         time.Duration
	maxArtifactSize int64
	logger          *zap.Logger
	tracer          trace.Tracer

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor reading binaries from store. store may be nil when
// only InvokeArtifact is used.
func New(store storage.Fetcher, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{
		store:           store,
		strategy:        cfg.strategy,
		lifecycle:       cfg.lifecycle,
		broker:          cfg.broker,
		engine:          cfg.engine,
		timeout:         cfg.timeout,
		maxArtifactSize: cfg.maxArtifactSize,
		logger:          cfg.logger,
	}

	if e.engine == nil && e.lifecycle == nil {
		eng, err := engine.New(cfg.engineConfig, engine.WithLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("create engine: %w", err)
		}
		e.engine = eng
		e.ownsEngine = true
	}
	if e.lifecycle == nil {
		e.lifecycle = NewLifecycle(e.engine)
	}
	if e.strategy == nil {
		e.strategy = NewCooperative()
	}
	if e.broker == nil {
		e.broker = capability.NewBroker(capability.Policy{}, capability.WithLogger(cfg.logger))
	}
	if cfg.tracer != nil {
		e.tracer = cfg.tracer.Tracer(tracerName)
	} else {
		e.tracer = otel.Tracer(tracerName)
	}

	return e, nil
}

// Strategy returns the invocation strategy.
func (e *Executor) Strategy() Strategy { return e.strategy }

// Invoke fetches ref from the store and runs it with payload.
func (e *Executor) Invoke(ctx context.Context, ref storage.Ref, payload string, opts ...Option) Result {
	load := func(ctx context.Context) ([]byte, error) {
		return e.fetch(ctx, ref)
	}
	return e.invoke(ctx, ref.String(), load, payload, opts)
}

// InvokeArtifact runs raw, a binary the caller already holds.
func (e *Executor) InvokeArtifact(ctx context.Context, raw []byte, payload string, opts ...Option) Result {
	load := func(context.Context) ([]byte, error) {
		return raw, nil
	}
	return e.invoke(ctx, "", load, payload, opts)
}

func (e *Executor) invoke(ctx context.Context, artifact string, load func(context.Context) ([]byte, error), payload string, opts []Option) Result {
	start := time.Now()
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "invoke", trace.WithAttributes(
		attribute.String("invocation.id", id),
		attribute.String("invocation.artifact", artifact),
		attribute.String("invocation.strategy", e.strategy.Name()),
	))
	defer span.End()

	out, err := e.run(ctx, load, payload, cfg)
	result := Result{ID: id, Output: out, Duration: time.Since(start), Error: err}

	fields := []zap.Field{
		zap.String("id", id),
		zap.String("artifact", artifact),
		zap.String("strategy", e.strategy.Name()),
		zap.Duration("duration", result.Duration),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Category(err))
		e.logger.Info("invocation failed", append(fields,
			zap.String("category", faults.Category(err)),
			zap.Error(err))...)
	} else {
		e.logger.Info("invocation", fields...)
	}
	return result
}

func (e *Executor) run(ctx context.Context, load func(context.Context) ([]byte, error), payload string, cfg runConfig) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	// Reject bad input before anything is fetched or compiled.
	if err := contract.ValidateInput(payload); err != nil {
		return "", err
	}

	out, err := e.strategy.Do(ctx, func(ctx context.Context) (string, error) {
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		return e.task(ctx, load, payload, cfg)
	})
	if err != nil && faults.KindOf(err) == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = faults.Timeout("invoke", err, "caller deadline exceeded")
		case errors.Is(err, context.Canceled):
			err = faults.Canceled("invoke", err, "caller cancelled the invocation")
		}
	}
	return out, err
}

func (e *Executor) task(ctx context.Context, load func(context.Context) ([]byte, error), payload string, cfg runConfig) (string, error) {
	var raw []byte
	if err := e.step(ctx, "fetch", func(ctx context.Context) (err error) {
		raw, err = load(ctx)
		return err
	}); err != nil {
		return "", err
	}

	var c *engine.Compiled
	if err := e.step(ctx, "compile", func(ctx context.Context) (err error) {
		c, err = e.lifecycle.Compile(ctx, raw)
		return err
	}); err != nil {
		return "", err
	}

	caps := e.broker.Grant(c.Request(), capability.Scope{
		Suspends: e.strategy.Suspends(),
		Stdout:   cfg.stdout,
	})

	var inst *sandbox.Instance
	if err := e.step(ctx, "instantiate", func(ctx context.Context) (err error) {
		inst, err = e.lifecycle.Instantiate(ctx, c, caps)
		return err
	}); err != nil {
		return "", err
	}
	defer func() {
		if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("instance teardown", zap.Error(err))
		}
	}()

	var out string
	if err := e.step(ctx, "exec", func(ctx context.Context) (err error) {
		out, err = e.lifecycle.Invoke(ctx, inst, payload)
		return err
	}); err != nil {
		return "", err
	}

	if err := contract.ValidateOutput(out); err != nil {
		return "", err
	}
	return out, nil
}

// step runs fn under a child span.
func (e *Executor) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Category(err))
		return err
	}
	return nil
}

// fetch reads ref fully, bounded by maxArtifactSize.
func (e *Executor) fetch(ctx context.Context, ref storage.Ref) ([]byte, error) {
	if e.store == nil {
		return nil, faults.ArtifactFetch("fetch", nil, "no artifact store configured")
	}
	rc, err := e.store.Fetch(ctx, ref.Namespace, ref.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.ArtifactFetch("fetch", err, "artifact %s not found", ref)
		}
		return nil, faults.ArtifactFetch("fetch", err, "fetch %s", ref)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, e.maxArtifactSize+1))
	if err != nil {
		return nil, faults.ArtifactFetch("fetch", err, "read %s", ref)
	}
	if int64(len(raw)) > e.maxArtifactSize {
		return nil, faults.ArtifactFetch("fetch", nil, "artifact %s exceeds %d bytes", ref, e.maxArtifactSize)
	}
	return raw, nil
}

// Close stops the strategy and releases the engine if the executor created
// it. In-flight invocations on a blocking strategy finish first.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.strategy.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.ownsEngine {
		if err := e.engine.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
