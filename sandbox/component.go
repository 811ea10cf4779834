package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"

	wrterrors "github.com/wippyai/wasm-runtime/errors"
	wrt "github.com/wippyai/wasm-runtime/runtime"
	"github.com/wippyai/wasm-runtime/wasi/preview2"
	"github.com/wippyai/wasm-runtime/wasi/preview2/cli"
	"github.com/wippyai/wasm-runtime/wasi/preview2/clocks"
	"github.com/wippyai/wasm-runtime/wasi/preview2/http"
	"github.com/wippyai/wasm-runtime/wasi/preview2/io"
	"github.com/wippyai/wasm-runtime/wasi/preview2/random"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/contract"
	"github.com/caffeineduck/fnhost/faults"
)

// componentBinding lists the WASI preview2 hosts backing one capability.
type componentBinding func(w *preview2.WASI) []wrt.Host

var componentBindings = map[capability.Capability]componentBinding{
	capability.Stdout: func(w *preview2.WASI) []wrt.Host {
		res := w.Resources()
		ioHost := io.NewHost(res)
		return []wrt.Host{
			ioHost.Error,
			ioHost.Poll,
			ioHost.Streams,
			clocks.NewMonotonicClockHost(res),
			clocks.NewWallClockHost(),
			random.NewSecureRandomHost(),
			random.NewInsecureRandomHost(),
			random.NewInsecureSeedHost(),
			newInertEnvironment(),
			cli.NewExitHost(),
			cli.NewStdioHost(res, w.Stdin(), w.StdoutResource(), w.StderrResource()),
			cli.NewStdoutHost(res, w.StdoutResource()),
			cli.NewStderrHost(res, w.StderrResource()),
			cli.NewTerminalStdinHost(),
			cli.NewTerminalStdoutHost(),
			cli.NewTerminalStderrHost(),
		}
	},
	capability.Network: func(w *preview2.WASI) []wrt.Host {
		res := w.Resources()
		return []wrt.Host{
			http.NewTypesHost(res),
			http.NewOutgoingHandlerHost(res),
		}
	},
}

// inertEnvironment reports an empty environment, no arguments and no
// initial working directory. The stock host turns an empty cwd into "/".
type inertEnvironment struct {
	*cli.EnvironmentHost
}

func newInertEnvironment() *inertEnvironment {
	return &inertEnvironment{EnvironmentHost: cli.NewEnvironmentHost(nil, nil, "")}
}

// InitialCwd returns none.
func (inertEnvironment) InitialCwd(context.Context) *string {
	return nil
}

// linkComponent loads the component into its own runtime with only the
// granted hosts registered. Whatever the guest wrote to stdout is flushed to
// the granted writer when the instance closes.
func (i *Instance) linkComponent(ctx context.Context) error {
	rt, err := wrt.New(ctx)
	if err != nil {
		return faults.Link("link", err, "create component runtime")
	}
	i.onClose(rt.Close)

	w := preview2.New()
	i.onClose(func(context.Context) error {
		w.Close()
		return nil
	})

	for _, capa := range i.compiled.Request().Needs {
		bind, ok := componentBindings[capa]
		if !ok {
			return faults.Link("link", nil, "no component binding for capability %s", capa)
		}
		for _, h := range bind(w) {
			if err := rt.RegisterHost(h); err != nil {
				return faults.Link("link", err, "register %s", h.Namespace())
			}
		}
	}

	mod, err := rt.LoadComponent(ctx, i.compiled.Bytes())
	if err != nil {
		var we *wrterrors.Error
		if stderrors.As(err, &we) && we.Detail == "bind hosts" {
			return faults.Link("link", err, "unresolved component imports")
		}
		return faults.Compile("load", err, "load component")
	}
	if err := mod.Compile(ctx); err != nil {
		return faults.Link("link", err, "resolve component imports")
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return faults.Link("instantiate", err, "instantiate component")
	}
	i.onClose(inst.Close)

	// runs before the instance and runtime closers
	stdout := i.caps.Stdout()
	i.onClose(func(context.Context) error {
		if out := w.Stdout(); len(out) > 0 {
			if _, err := stdout.Write(out); err != nil {
				return fmt.Errorf("flush component stdout: %w", err)
			}
		}
		return nil
	})

	i.exec = func(ctx context.Context, input string) (string, error) {
		res, err := inst.CallWithTypes(ctx, contract.ExportExec, contract.ExecParams, contract.ExecResults, input)
		if err != nil {
			return "", trapError(ctx, "exec", err)
		}
		out, ok := res.(string)
		if !ok {
			return "", faults.GuestTrap("exec", nil, "exec returned %T, want string", res)
		}
		return out, nil
	}

	Logger().Debug("component linked", zap.Any("capabilities", i.caps.List()))
	return nil
}
