// Package executor runs stored WebAssembly functions, one fresh sandbox per
// invocation.
//
// # Overview
//
// An invocation validates the JSON payload, fetches the binary, compiles it,
// asks the capability broker for a capability set, instantiates the sandbox
// against that set, calls exec and validates the JSON result. Nothing is
// reused between invocations: no compiled artifact, no instance, no
// capability set.
//
// # Basic Usage
//
//	exec, err := executor.New(store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	res := exec.Invoke(ctx, storage.Ref{Namespace: "fns", Key: "fib.wasm"}, `{"n": 10}`)
//	if res.Error != nil {
//	    log.Fatal(res.Error)
//	}
//	fmt.Println(res.Output) // {"result":144}
//
// # Strategies
//
// The strategy is chosen once, at construction:
//
//	executor.New(store, executor.WithStrategy(executor.NewBlocking(8)))
//
// [Cooperative] runs on the caller's goroutine and honours its context; it
// is the only strategy under which the network capability can be granted.
// [Blocking] hands invocations to a fixed worker pool; a caller that gives up
// gets its context error while the worker finishes.
//
// # Capabilities
//
// Guests get standard output and nothing else unless the broker policy says
// otherwise:
//
//	broker := capability.NewBroker(capability.Policy{
//	    AllowNetwork: true,
//	    HTTP:         hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}},
//	})
//	executor.New(store, executor.WithBroker(broker))
//
// # Errors
//
// Result.Error carries a [faults.Error]; use [faults.KindOf] or errors.Is with
// the faults sentinels to tell fetch, compile, link, trap, payload and
// timeout failures apart.
package executor
