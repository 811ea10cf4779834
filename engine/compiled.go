package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/caffeineduck/fnhost/capability"
)

// Compiled is a validated artifact owned by a single invocation.
type Compiled struct {
	mode    Mode
	request capability.Request

	// core mode
	runtime     wazero.Runtime
	module      wazero.CompiledModule
	hasPostExec bool

	// component mode
	raw []byte

	closeOnce sync.Once
	closeErr  error
}

// Mode is ModeCore or ModeComponent.
func (c *Compiled) Mode() Mode { return c.mode }

// Request lists the capabilities the artifact's imports need.
func (c *Compiled) Request() capability.Request { return c.request }

// Runtime is the wazero runtime the core module was compiled into. Nil in
// component mode.
func (c *Compiled) Runtime() wazero.Runtime { return c.runtime }

// Module is the compiled core module. Nil in component mode.
func (c *Compiled) Module() wazero.CompiledModule { return c.module }

// HasPostExec reports whether the core module exports cabi_post_exec.
func (c *Compiled) HasPostExec() bool { return c.hasPostExec }

// Bytes is the component binary. Nil in core mode.
func (c *Compiled) Bytes() []byte { return c.raw }

// Close releases the runtime and everything instantiated in it.
func (c *Compiled) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.runtime != nil {
			c.closeErr = c.runtime.Close(ctx)
		}
	})
	return c.closeErr
}
