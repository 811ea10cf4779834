// Package fnhost runs stored WebAssembly functions, each invocation in a
// fresh, least-privilege sandbox.
//
// # Overview
//
// A function is a wasm binary kept in an artifact store under a bucket and a
// key. Invoking it fetches the binary, compiles it, grants the capabilities
// it imports and policy allows, instantiates it and calls its exec export
// with a JSON payload. Nothing survives the invocation.
//
// # Basic Usage
//
//	store, _ := storage.NewS3(ctx, storage.S3Config{...})
//	exec, _ := executor.New(store)
//	defer exec.Close()
//
//	res := exec.Invoke(ctx, storage.Ref{Namespace: "fns", Key: "fib.wasm"}, `{"n":10}`)
//	fmt.Println(res.Output) // {"result":144}
//
// # Enabling Capabilities
//
// Guests always get standard output. Network access needs both a policy
// that allows it and the cooperative strategy:
//
//	broker := capability.NewBroker(capability.Policy{
//	    AllowNetwork: true,
//	    HTTP:         hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}},
//	})
//	exec, _ := executor.New(store, executor.WithBroker(broker))
//
// See the [executor], [capability], [sandbox], [engine] and [server]
// packages for detailed API documentation, and cmd/fnhost for the CLI.
package fnhost
