// Package sandbox links a compiled function against its granted capabilities
// and calls the exec contract on it.
//
// Linking fails closed. A binary that imports anything the capability set
// does not grant is rejected with a link fault before any of its code runs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/faults"
	"github.com/caffeineduck/fnhost/hostfunc"
)

// Instance is a live sandbox for a single invocation.
type Instance struct {
	compiled *engine.Compiled
	caps     *capability.Set
	exec     func(ctx context.Context, input string) (string, error)
	closers  []func(ctx context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// Instantiate links c against caps and resolves exec. The instance owns c;
// on failure c is closed before returning.
func Instantiate(ctx context.Context, c *engine.Compiled, caps *capability.Set) (_ *Instance, err error) {
	if c == nil {
		return nil, errors.New("nil compiled artifact")
	}
	if caps == nil {
		caps = capability.NewSet(nil, hostfunc.HTTPConfig{})
	}

	inst := &Instance{compiled: c, caps: caps}
	defer func() {
		if v := recover(); v != nil {
			err = faults.FromPanic("instantiate", v)
		}
		if err != nil {
			inst.Close(context.WithoutCancel(ctx))
		}
	}()

	req := c.Request()
	if missing := caps.Missing(req); len(missing) > 0 {
		return nil, faults.Link("instantiate", nil, "capability not granted: %s", joinCaps(missing))
	}
	if len(req.Unknown) > 0 {
		return nil, faults.Link("instantiate", nil, "unresolvable imports: %s", strings.Join(req.Unknown, ", "))
	}

	switch c.Mode() {
	case engine.ModeCore:
		err = inst.linkCore(ctx)
	case engine.ModeComponent:
		err = inst.linkComponent(ctx)
	default:
		err = fmt.Errorf("unsupported artifact mode %s", c.Mode())
	}
	if err != nil {
		return nil, err
	}

	Logger().Debug("sandbox instantiated",
		zap.Stringer("mode", c.Mode()),
		zap.Any("capabilities", caps.List()))
	return inst, nil
}

// Capabilities returns the set the instance was linked against.
func (i *Instance) Capabilities() *capability.Set {
	return i.caps
}

// Exec calls the contract operation. Guest faults come back as
// faults.GuestTrap or faults.Timeout errors; panics on either side of the
// boundary are recovered.
func (i *Instance) Exec(ctx context.Context, input string) (out string, err error) {
	defer func() {
		if v := recover(); v != nil {
			out, err = "", faults.FromPanic("exec", v)
		}
	}()
	return i.exec(ctx, input)
}

// Close tears the instance down: guest, host modules, runtime. Safe to call
// more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		var errs []error
		for j := len(i.closers) - 1; j >= 0; j-- {
			if err := i.closers[j](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := i.compiled.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			Logger().Warn("sandbox teardown", zap.Errors("errors", errs))
			i.closeErr = errs[0]
		}
	})
	return i.closeErr
}

func (i *Instance) onClose(fn func(ctx context.Context) error) {
	i.closers = append(i.closers, fn)
}

// trapError classifies a failed guest call.
func trapError(ctx context.Context, op string, err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return faults.Timeout(op, err, "guest exceeded its deadline")
		case sys.ExitCodeContextCanceled:
			return faults.Canceled(op, context.Canceled, "caller cancelled the invocation")
		default:
			return faults.GuestTrap(op, err, "guest exited with code %d", exitErr.ExitCode())
		}
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return faults.Timeout(op, err, "guest exceeded its deadline")
	case errors.Is(ctx.Err(), context.Canceled):
		return faults.Canceled(op, err, "caller cancelled the invocation")
	}
	return faults.GuestTrap(op, err, "guest trapped")
}

func joinCaps(caps []capability.Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// closer adapts api.Closer to a teardown func.
func closer(c api.Closer) func(ctx context.Context) error {
	return c.Close
}
