package executor

import (
	"context"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/sandbox"
)

// Lifecycle is the compile, instantiate, invoke sequence both strategies run.
type Lifecycle interface {
	Compile(ctx context.Context, raw []byte) (*engine.Compiled, error)
	// Instantiate takes ownership of c.
	Instantiate(ctx context.Context, c *engine.Compiled, caps *capability.Set) (*sandbox.Instance, error)
	Invoke(ctx context.Context, inst *sandbox.Instance, input string) (string, error)
}

// NewLifecycle returns the Lifecycle backed by eng and the sandbox package.
func NewLifecycle(eng *engine.Engine) Lifecycle {
	return wasmLifecycle{engine: eng}
}

type wasmLifecycle struct {
	engine *engine.Engine
}

func (l wasmLifecycle) Compile(ctx context.Context, raw []byte) (*engine.Compiled, error) {
	return l.engine.Compile(ctx, raw)
}

func (l wasmLifecycle) Instantiate(ctx context.Context, c *engine.Compiled, caps *capability.Set) (*sandbox.Instance, error) {
	return sandbox.Instantiate(ctx, c, caps)
}

func (l wasmLifecycle) Invoke(ctx context.Context, inst *sandbox.Instance, input string) (string, error) {
	return inst.Exec(ctx, input)
}
