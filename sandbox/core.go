package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/contract"
	"github.com/caffeineduck/fnhost/faults"
)

// coreBinding instantiates the host module backing one capability.
type coreBinding func(ctx context.Context, rt wazero.Runtime, caps *capability.Set) (api.Closer, error)

var coreBindings = map[capability.Capability]coreBinding{
	capability.Stdout: func(ctx context.Context, rt wazero.Runtime, _ *capability.Set) (api.Closer, error) {
		return wasi_snapshot_preview1.Instantiate(ctx, rt)
	},
	capability.Network: instantiateNetwork,
}

func (i *Instance) linkCore(ctx context.Context) error {
	c := i.compiled
	rt := c.Runtime()

	for _, capa := range c.Request().Needs {
		bind, ok := coreBindings[capa]
		if !ok {
			return faults.Link("link", nil, "no core binding for capability %s", capa)
		}
		mod, err := bind(ctx, rt, i.caps)
		if err != nil {
			return faults.Link("link", err, "bind %s", capa)
		}
		i.onClose(closer(mod))
	}

	if err := checkImports(rt, c.Module()); err != nil {
		return err
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdout(i.caps.Stdout()).
		WithStderr(io.Discard).
		WithStartFunctions(contract.InitFunction)

	mod, err := rt.InstantiateModule(ctx, c.Module(), cfg)
	if err != nil {
		return trapError(ctx, "instantiate", err)
	}
	i.onClose(closer(mod))

	g := &coreGuest{
		mod:     mod,
		exec:    mod.ExportedFunction(contract.ExportExec),
		realloc: mod.ExportedFunction(contract.ExportRealloc),
	}
	if c.HasPostExec() {
		g.post = mod.ExportedFunction(contract.ExportPostExec)
	}
	if g.exec == nil || g.realloc == nil || mod.Memory() == nil {
		return faults.Link("link", nil, "instantiated module lacks the exec contract exports")
	}
	i.exec = g.call
	return nil
}

// checkImports resolves every imported function against the host modules
// already in rt so a mismatch surfaces as a link fault naming the import.
// Host modules only expose definitions; ExportedFunction panics on them.
func checkImports(rt wazero.Runtime, mod wazero.CompiledModule) error {
	for _, def := range mod.ImportedFunctions() {
		module, name, _ := def.Import()
		host := rt.Module(module)
		if host == nil {
			return faults.Link("link", nil, "import %s.%s: module not bound", module, name)
		}
		got, ok := host.ExportedFunctionDefinitions()[name]
		if !ok {
			return faults.Link("link", nil, "import %s.%s: not provided by host", module, name)
		}
		if !equalSig(got.ParamTypes(), def.ParamTypes()) || !equalSig(got.ResultTypes(), def.ResultTypes()) {
			return faults.Link("link", nil, "import %s.%s: signature %s, host provides %s",
				module, name, sigString(def), sigString(got))
		}
	}
	return nil
}

func equalSig(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sigString(def api.FunctionDefinition) string {
	return fmt.Sprintf("%s -> %s", typeNames(def.ParamTypes()), typeNames(def.ResultTypes()))
}

func typeNames(types []api.ValueType) string {
	s := "("
	for i, t := range types {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}

// coreGuest calls the lowered exec export.
type coreGuest struct {
	mod     api.Module
	exec    api.Function
	realloc api.Function
	post    api.Function
}

func (g *coreGuest) call(ctx context.Context, input string) (string, error) {
	ptr, err := writeString(ctx, g.mod, g.realloc, []byte(input))
	if err != nil {
		return "", err
	}

	res, err := g.exec.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return "", trapError(ctx, "exec", err)
	}
	retptr := uint32(res[0])

	mem := g.mod.Memory()
	outPtr, ok1 := mem.ReadUint32Le(retptr)
	outLen, ok2 := mem.ReadUint32Le(retptr + 4)
	if !ok1 || !ok2 {
		return "", faults.GuestTrap("exec", nil, "return area %d out of bounds", retptr)
	}
	raw, ok := mem.Read(outPtr, outLen)
	if !ok {
		return "", faults.GuestTrap("exec", nil, "result [%d, +%d) out of bounds", outPtr, outLen)
	}
	out := string(raw)

	if g.post != nil {
		if _, err := g.post.Call(ctx, uint64(retptr)); err != nil {
			return "", trapError(ctx, "post_exec", err)
		}
	}
	return out, nil
}

// writeString copies b into memory the guest allocated for it.
func writeString(ctx context.Context, mod api.Module, realloc api.Function, b []byte) (uint32, error) {
	res, err := realloc.Call(ctx, 0, 0, 1, uint64(len(b)))
	if err != nil {
		return 0, trapError(ctx, contract.ExportRealloc, err)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, b) {
		return 0, faults.GuestTrap(contract.ExportRealloc, nil, "allocation [%d, +%d) out of bounds", ptr, len(b))
	}
	return ptr, nil
}
