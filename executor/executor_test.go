package executor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/executor"
	"github.com/caffeineduck/fnhost/faults"
	"github.com/caffeineduck/fnhost/hostfunc"
	"github.com/caffeineduck/fnhost/internal/guests"
	"github.com/caffeineduck/fnhost/sandbox"
	"github.com/caffeineduck/fnhost/storage"
)

// Shared store holding every guest under the "fns" namespace.
var sharedStore *storage.MemoryStore

func TestMain(m *testing.M) {
	ctx := context.Background()
	sharedStore = storage.NewMemoryStore()
	if err := sharedStore.CreateNamespace(ctx, "fns"); err != nil {
		panic(err)
	}
	for key, raw := range map[string][]byte{
		"echo.wasm":    guests.Echo(),
		"fib.wasm":     guests.Fibonacci(),
		"greeter.wasm": guests.Greeter(),
		"counter.wasm": guests.Counter(),
		"trap.wasm":    guests.Trap(),
		"bad.wasm":     guests.BadOutput(),
		"printer.wasm": guests.Printer(),
		"fetcher.wasm": guests.Fetcher(),
		"spin.wasm":    guests.Spin(),
		"garbage.wasm": []byte("definitely not wasm"),
	} {
		if err := sharedStore.Put(ctx, "fns", key, bytes.NewReader(raw)); err != nil {
			panic(err)
		}
	}
	os.Exit(m.Run())
}

func ref(key string) storage.Ref {
	return storage.Ref{Namespace: "fns", Key: key}
}

func newExecutor(t *testing.T, store storage.Fetcher, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()
	broker := capability.NewBroker(capability.Policy{Stdout: io.Discard})
	exec, err := executor.New(store, append([]executor.ExecutorOption{executor.WithBroker(broker)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec
}

func strategies() map[string]func() executor.Strategy {
	return map[string]func() executor.Strategy{
		"cooperative": func() executor.Strategy { return executor.NewCooperative() },
		"blocking":    func() executor.Strategy { return executor.NewBlocking(4) },
	}
}

// countingStore records fetches.
type countingStore struct {
	storage.Fetcher
	fetches atomic.Int32
}

func (s *countingStore) Fetch(ctx context.Context, ns, key string) (io.ReadCloser, error) {
	s.fetches.Add(1)
	return s.Fetcher.Fetch(ctx, ns, key)
}

// countingLifecycle records each lifecycle step.
type countingLifecycle struct {
	executor.Lifecycle
	compiles, instantiates, invokes atomic.Int32
}

func (l *countingLifecycle) Compile(ctx context.Context, raw []byte) (*engine.Compiled, error) {
	l.compiles.Add(1)
	return l.Lifecycle.Compile(ctx, raw)
}

func (l *countingLifecycle) Instantiate(ctx context.Context, c *engine.Compiled, caps *capability.Set) (*sandbox.Instance, error) {
	l.instantiates.Add(1)
	return l.Lifecycle.Instantiate(ctx, c, caps)
}

func (l *countingLifecycle) Invoke(ctx context.Context, inst *sandbox.Instance, input string) (string, error) {
	l.invokes.Add(1)
	return l.Lifecycle.Invoke(ctx, inst, input)
}

func newCountingLifecycle(t *testing.T) *countingLifecycle {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return &countingLifecycle{Lifecycle: executor.NewLifecycle(eng)}
}

// =============================================================================
// INVOCATION
// =============================================================================

func TestInvokeFibonacci(t *testing.T) {
	for name, strategy := range strategies() {
		t.Run(name, func(t *testing.T) {
			exec := newExecutor(t, sharedStore, executor.WithStrategy(strategy()))

			tests := []struct{ input, want string }{
				{`{"n": 10}`, `{"result":144}`},
				{`{"n": 0}`, `{"result":1}`},
				{`{"n": 10}`, `{"result":144}`},
			}
			for _, tt := range tests {
				res := exec.Invoke(context.Background(), ref("fib.wasm"), tt.input)
				if res.Error != nil {
					t.Fatalf("unexpected error: %v", res.Error)
				}
				if res.Output != tt.want {
					t.Errorf("input %s: expected %s, got %s", tt.input, tt.want, res.Output)
				}
			}
		})
	}
}

func TestInvokeGreeter(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	res := exec.Invoke(context.Background(), ref("greeter.wasm"), `{"name": "James"}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Output != `{"result":"Hello James, how are you?"}` {
		t.Errorf("unexpected output %q", res.Output)
	}

	res = exec.Invoke(context.Background(), ref("greeter.wasm"), `{"name": "Jürgen 🎉"}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Output != `{"result":"Hello Jürgen 🎉, how are you?"}` {
		t.Errorf("UTF-8 name corrupted: %q", res.Output)
	}
}

func TestInvokeArtifact(t *testing.T) {
	exec := newExecutor(t, nil)

	res := exec.InvokeArtifact(context.Background(), guests.Echo(), `{"a":[1,2,3]}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Output != `{"a":[1,2,3]}` {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestResultMetadata(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	a := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
	b := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct invocation IDs, got %q and %q", a.ID, b.ID)
	}
	if a.Duration <= 0 {
		t.Errorf("expected positive duration, got %v", a.Duration)
	}
}

func TestInvokeStdoutPerInvocation(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	var buf bytes.Buffer
	res := exec.Invoke(context.Background(), ref("printer.wasm"), `{"hello":"world"}`, executor.WithStdout(&buf))
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if buf.String() != `{"hello":"world"}` {
		t.Errorf("expected guest stdout in buffer, got %q", buf.String())
	}
}

// =============================================================================
// FAILURES
// =============================================================================

func TestMissingArtifactNeverCompiles(t *testing.T) {
	lc := newCountingLifecycle(t)
	exec := newExecutor(t, sharedStore, executor.WithLifecycle(lc))

	res := exec.Invoke(context.Background(), ref("nope.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrArtifactFetch) {
		t.Fatalf("expected artifact fetch error, got %v", res.Error)
	}
	if !errors.Is(res.Error, storage.ErrNotFound) {
		t.Errorf("expected cause to be storage.ErrNotFound, got %v", res.Error)
	}
	if n := lc.compiles.Load(); n != 0 {
		t.Errorf("compile ran %d times", n)
	}
}

func TestMalformedInputSkipsFetchAndExec(t *testing.T) {
	store := &countingStore{Fetcher: sharedStore}
	lc := newCountingLifecycle(t)
	exec := newExecutor(t, store, executor.WithLifecycle(lc))

	for _, input := range []string{`{"n": `, "not json", "\xff\xfe"} {
		res := exec.Invoke(context.Background(), ref("fib.wasm"), input)
		if !errors.Is(res.Error, faults.ErrPayloadSerialization) {
			t.Errorf("input %q: expected payload error, got %v", input, res.Error)
		}
	}
	if n := store.fetches.Load(); n != 0 {
		t.Errorf("fetch ran %d times", n)
	}
	if n := lc.invokes.Load(); n != 0 {
		t.Errorf("exec ran %d times", n)
	}
}

func TestMalformedOutput(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	res := exec.Invoke(context.Background(), ref("bad.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrPayloadSerialization) {
		t.Fatalf("expected payload error, got %v", res.Error)
	}
	if res.Output != "" {
		t.Errorf("expected no output, got %q", res.Output)
	}
}

func TestCompileFailure(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	res := exec.Invoke(context.Background(), ref("garbage.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrCompile) {
		t.Fatalf("expected compile error, got %v", res.Error)
	}
	if faults.Category(res.Error) != "compile" {
		t.Errorf("unexpected category %q", faults.Category(res.Error))
	}
}

func TestGuestTrap(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	res := exec.Invoke(context.Background(), ref("trap.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrGuestTrap) {
		t.Fatalf("expected guest trap, got %v", res.Error)
	}
}

func TestArtifactTooLarge(t *testing.T) {
	exec := newExecutor(t, sharedStore, executor.WithMaxArtifactSize(16))

	res := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrArtifactFetch) {
		t.Fatalf("expected artifact fetch error, got %v", res.Error)
	}
	if !strings.Contains(res.Error.Error(), "exceeds 16 bytes") {
		t.Errorf("unexpected message: %v", res.Error)
	}
}

func TestNoStoreConfigured(t *testing.T) {
	exec := newExecutor(t, nil)

	res := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrArtifactFetch) {
		t.Fatalf("expected artifact fetch error, got %v", res.Error)
	}
}

type panickingLifecycle struct{ executor.Lifecycle }

func (panickingLifecycle) Compile(context.Context, []byte) (*engine.Compiled, error) {
	panic("compiler bug")
}

func TestPanicIsRecovered(t *testing.T) {
	for name, strategy := range strategies() {
		t.Run(name, func(t *testing.T) {
			exec := newExecutor(t, sharedStore,
				executor.WithStrategy(strategy()),
				executor.WithLifecycle(panickingLifecycle{}))

			res := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
			if !errors.Is(res.Error, faults.ErrGuestTrap) {
				t.Fatalf("expected recovered panic as guest trap, got %v", res.Error)
			}

			// the strategy survives
			res = exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
			if !errors.Is(res.Error, faults.ErrGuestTrap) {
				t.Fatalf("expected second invocation to run, got %v", res.Error)
			}
		})
	}
}

// =============================================================================
// TIMEOUTS
// =============================================================================

func TestTimeoutKillsGuest(t *testing.T) {
	for name, strategy := range strategies() {
		t.Run(name, func(t *testing.T) {
			exec := newExecutor(t, sharedStore,
				executor.WithStrategy(strategy()),
				executor.WithTimeout(100*time.Millisecond))

			start := time.Now()
			res := exec.Invoke(context.Background(), ref("spin.wasm"), `{}`)
			if !errors.Is(res.Error, faults.ErrTimeout) {
				t.Fatalf("expected timeout, got %v", res.Error)
			}
			if time.Since(start) > 5*time.Second {
				t.Errorf("timeout took %v", time.Since(start))
			}
		})
	}
}

func TestCallerDeadlineCooperative(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := exec.Invoke(ctx, ref("spin.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", res.Error)
	}
}

func TestCallerCancelCooperative(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := exec.Invoke(ctx, ref("spin.wasm"), `{}`)
	if !errors.Is(res.Error, faults.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", res.Error)
	}
	if errors.Is(res.Error, faults.ErrGuestTrap) {
		t.Errorf("caller cancellation reported as a guest trap: %v", res.Error)
	}
}

func TestBlockingAbandonedCaller(t *testing.T) {
	b := executor.NewBlocking(1)
	defer b.Close()

	release := make(chan struct{})
	finished := make(chan error, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Do(ctx, func(ctx context.Context) (string, error) {
		<-release
		finished <- ctx.Err()
		return "done", nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	close(release)
	select {
	case err := <-finished:
		if err != nil {
			t.Errorf("task context was cancelled with its caller: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task never finished")
	}
}

// =============================================================================
// CAPABILITIES
// =============================================================================

func TestNetworkDeniedUnderBlocking(t *testing.T) {
	broker := capability.NewBroker(capability.Policy{
		AllowNetwork: true,
		HTTP:         hostfunc.HTTPConfig{AllowedHosts: []string{"127.0.0.1"}},
	})
	exec := newExecutor(t, sharedStore,
		executor.WithStrategy(executor.NewBlocking(2)),
		executor.WithBroker(broker))

	var buf bytes.Buffer
	res := exec.Invoke(context.Background(), ref("fetcher.wasm"), `{"fn":"http_get","args":{}}`, executor.WithStdout(&buf))
	if !errors.Is(res.Error, faults.ErrLink) {
		t.Fatalf("expected link error, got %v", res.Error)
	}
	if buf.Len() != 0 {
		t.Errorf("guest code ran before link failure: %q", buf.String())
	}
}

func TestNetworkDeniedByPolicy(t *testing.T) {
	exec := newExecutor(t, sharedStore)

	res := exec.Invoke(context.Background(), ref("fetcher.wasm"), `{"fn":"http_get","args":{}}`)
	if !errors.Is(res.Error, faults.ErrLink) {
		t.Fatalf("expected link error, got %v", res.Error)
	}
}

func TestNetworkGrantedUnderCooperative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["a.wasm","b.wasm"]`)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	broker := capability.NewBroker(capability.Policy{
		Stdout:       io.Discard,
		AllowNetwork: true,
		HTTP:         hostfunc.HTTPConfig{AllowedHosts: []string{u.Hostname()}},
	})
	exec := newExecutor(t, sharedStore, executor.WithBroker(broker))

	res := exec.Invoke(context.Background(), ref("fetcher.wasm"),
		fmt.Sprintf(`{"fn":"http_get","args":{"url":%q}}`, srv.URL))
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if !strings.Contains(res.Output, `"status":200`) || !strings.Contains(res.Output, `a.wasm`) {
		t.Errorf("unexpected output %s", res.Output)
	}
}

// =============================================================================
// ISOLATION
// =============================================================================

func TestConcurrentInvocationsAreIsolated(t *testing.T) {
	for name, strategy := range strategies() {
		t.Run(name, func(t *testing.T) {
			exec := newExecutor(t, sharedStore, executor.WithStrategy(strategy()))

			const n = 24
			var wg sync.WaitGroup
			results := make([]executor.Result, n)
			bufs := make([]bytes.Buffer, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					key := "counter.wasm"
					if i%2 == 1 {
						key = "printer.wasm"
					}
					results[i] = exec.Invoke(context.Background(), ref(key), fmt.Sprintf(`{"i":%d}`, i),
						executor.WithStdout(&bufs[i]))
				}()
			}
			wg.Wait()

			for i, res := range results {
				if res.Error != nil {
					t.Fatalf("invocation %d: %v", i, res.Error)
				}
				if i%2 == 0 {
					if res.Output != `{"count":1}` {
						t.Errorf("invocation %d saw shared state: %s", i, res.Output)
					}
					continue
				}
				want := fmt.Sprintf(`{"i":%d}`, i)
				if bufs[i].String() != want {
					t.Errorf("invocation %d stdout mixed: %q", i, bufs[i].String())
				}
			}
		})
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestClosedExecutor(t *testing.T) {
	exec, err := executor.New(sharedStore)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	res := exec.Invoke(context.Background(), ref("echo.wasm"), `{}`)
	if !errors.Is(res.Error, executor.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", res.Error)
	}
}

func TestStrategyClosed(t *testing.T) {
	for name, strategy := range strategies() {
		t.Run(name, func(t *testing.T) {
			s := strategy()
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			_, err := s.Do(context.Background(), func(context.Context) (string, error) { return "", nil })
			if !errors.Is(err, executor.ErrStrategyClosed) {
				t.Errorf("expected ErrStrategyClosed, got %v", err)
			}
		})
	}
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name     string
		want     string
		suspends bool
	}{
		{"", executor.StrategyCooperative, true},
		{"cooperative", executor.StrategyCooperative, true},
		{"blocking", executor.StrategyBlocking, false},
	}
	for _, tt := range tests {
		s, err := executor.NewStrategy(tt.name, 2)
		if err != nil {
			t.Fatalf("%q: %v", tt.name, err)
		}
		if s.Name() != tt.want || s.Suspends() != tt.suspends {
			t.Errorf("%q: got %s suspends=%v", tt.name, s.Name(), s.Suspends())
		}
		s.Close()
	}

	if _, err := executor.NewStrategy("threads", 0); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
