package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/contract"
	"github.com/caffeineduck/fnhost/hostfunc"
)

// instantiateNetwork exports fnhost:network.call. The guest passes a JSON
// CallRequest and receives a pointer to [ptr, len] of the JSON CallResponse,
// allocated through its own cabi_realloc.
func instantiateNetwork(ctx context.Context, rt wazero.Runtime, caps *capability.Set) (api.Closer, error) {
	reg := hostfunc.NewRegistry()
	hostfunc.NewHTTP(caps.HTTPConfig()).Register(reg)

	return rt.NewHostModuleBuilder(capability.NetworkModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) uint32 {
			raw, ok := mod.Memory().Read(ptr, size)
			if !ok {
				panic(fmt.Errorf("network call: request [%d, +%d) out of bounds", ptr, size))
			}
			req := append([]byte(nil), raw...)

			resp := reg.Dispatch(ctx, req)
			Logger().Debug("network call", zap.Int("request_bytes", len(req)), zap.Int("response_bytes", len(resp)))
			return returnBytes(ctx, mod, resp)
		}).
		WithParameterNames("ptr", "len").
		Export(capability.NetworkCall).
		Instantiate(ctx)
}

// returnBytes lowers b into guest memory and returns the address of its
// 8-byte return area. Failures panic; wazero surfaces them as a trap.
func returnBytes(ctx context.Context, mod api.Module, b []byte) uint32 {
	realloc := mod.ExportedFunction(contract.ExportRealloc)
	if realloc == nil {
		panic(fmt.Errorf("guest does not export %s", contract.ExportRealloc))
	}

	ptr, err := writeString(ctx, mod, realloc, b)
	if err != nil {
		panic(err)
	}

	res, err := realloc.Call(ctx, 0, 0, 4, 8)
	if err != nil {
		panic(err)
	}
	retptr := uint32(res[0])
	mem := mod.Memory()
	if !mem.WriteUint32Le(retptr, ptr) || !mem.WriteUint32Le(retptr+4, uint32(len(b))) {
		panic(fmt.Errorf("network call: return area %d out of bounds", retptr))
	}
	return retptr
}
