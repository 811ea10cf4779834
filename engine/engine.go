// Package engine turns raw function binaries into validated, loadable
// artifacts.
//
// Core modules are compiled with wazero into a runtime owned by the returned
// [Compiled]. Components are decoded and checked; their code is loaded by the
// sandbox once the granted host interfaces are known.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-runtime/component"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/contract"
	"github.com/caffeineduck/fnhost/faults"
)

// Option configures an Engine at creation time.
type Option func(*options)

type cacheKind int

const (
	cacheNone cacheKind = iota
	cacheMemory
	cacheDisk
)

type options struct {
	cache    cacheKind
	cacheDir string
	logger   *zap.Logger
}

// WithCompilationCache shares compiled machine code between compiles of the
// same binary on disk. Only cold code is cached; every Compile still gets its
// own runtime. Optionally provide a directory; otherwise XDG_CACHE_HOME/fnhost
// or ~/.cache/fnhost is used.
func WithCompilationCache(dir ...string) Option {
	return func(o *options) {
		o.cache = cacheDisk
		if len(dir) > 0 {
			o.cacheDir = dir[0]
		}
	}
}

// WithMemoryCache is WithCompilationCache without persistence.
func WithMemoryCache() Option {
	return func(o *options) {
		o.cache = cacheMemory
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Engine compiles binaries under one Config. Safe for concurrent use.
type Engine struct {
	cfg    Config
	cache  wazero.CompilationCache
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, logger: o.logger}

	switch o.cache {
	case cacheDisk:
		dir := o.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
		e.cache = cache
	case cacheMemory:
		e.cache = wazero.NewCompilationCache()
	}

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RuntimeConfig returns the wazero configuration used for core modules.
func (e *Engine) RuntimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.cfg.OptLevel == OptSpeed {
		rc = wazero.NewRuntimeConfig()
	} else {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithDebugInfoEnabled(e.cfg.Debug).WithCloseOnContextDone(true)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	if e.cache != nil {
		rc = rc.WithCompilationCache(e.cache)
	}
	return rc
}

// Compile validates raw and returns a loadable artifact. Every failure is a
// faults.CompileError.
func (e *Engine) Compile(ctx context.Context, raw []byte) (*Compiled, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}

	if len(raw) == 0 {
		return nil, faults.Compile("compile", nil, "empty binary")
	}

	isComponent := component.IsComponent(raw)
	switch e.cfg.Mode {
	case ModeCore:
		if isComponent {
			return nil, faults.Compile("compile", nil, "component binary requires component mode")
		}
	case ModeComponent:
		if !isComponent {
			return nil, faults.Compile("compile", nil, "core module given to component mode")
		}
	}

	if isComponent {
		return e.compileComponent(raw)
	}
	return e.compileCore(ctx, raw)
}

func (e *Engine) compileCore(ctx context.Context, raw []byte) (*Compiled, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, e.RuntimeConfig())

	mod, err := rt.CompileModule(ctx, raw)
	if err != nil {
		rt.Close(ctx)
		return nil, faults.Compile("compile", err, "invalid module")
	}

	hasPostExec, err := checkCoreShape(mod)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	var imports []capability.Import
	for _, def := range mod.ImportedFunctions() {
		m, n, _ := def.Import()
		imports = append(imports, capability.Import{Module: m, Name: n})
	}
	for _, def := range mod.ImportedMemories() {
		m, n, _ := def.Import()
		imports = append(imports, capability.Import{Module: m, Name: n})
	}

	c := &Compiled{
		mode:        ModeCore,
		request:     capability.DetectCore(imports),
		runtime:     rt,
		module:      mod,
		hasPostExec: hasPostExec,
	}
	e.logger.Debug("compiled core module",
		zap.Int("size", len(raw)),
		zap.Stringer("opt", e.cfg.OptLevel),
		zap.Any("needs", c.request.Needs))
	return c, nil
}

var (
	i32      = api.ValueTypeI32
	execSig  = signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}}
	allocSig = signature{params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}}
	postSig  = signature{params: []api.ValueType{i32}}
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func (s signature) matches(def api.FunctionDefinition) bool {
	return equalTypes(def.ParamTypes(), s.params) && equalTypes(def.ResultTypes(), s.results)
}

func equalTypes(a, b []api.ValueType) bool {
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

// checkCoreShape verifies the lowered contract exports.
func checkCoreShape(mod wazero.CompiledModule) (hasPostExec bool, err error) {
	if _, ok := mod.ExportedMemories()[contract.ExportMemory]; !ok {
		return false, faults.Compile("compile", nil, "missing export %q", contract.ExportMemory)
	}

	fns := mod.ExportedFunctions()
	for _, want := range []struct {
		name string
		sig  signature
	}{
		{contract.ExportExec, execSig},
		{contract.ExportRealloc, allocSig},
	} {
		def, ok := fns[want.name]
		if !ok {
			return false, faults.Compile("compile", nil, "missing export %q", want.name)
		}
		if !want.sig.matches(def) {
			return false, faults.Compile("compile", nil, "export %q has signature %v -> %v", want.name, def.ParamTypes(), def.ResultTypes())
		}
	}

	if def, ok := fns[contract.ExportPostExec]; ok {
		if !postSig.matches(def) {
			return false, faults.Compile("compile", nil, "export %q has signature %v -> %v", contract.ExportPostExec, def.ParamTypes(), def.ResultTypes())
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) compileComponent(raw []byte) (*Compiled, error) {
	comp, err := component.DecodeWithOptions(raw, component.DecodeOptions{})
	if err != nil {
		return nil, faults.Compile("decode", err, "invalid component")
	}

	var hasExec bool
	for _, ex := range comp.Exports {
		if ex.Name == contract.ExportExec && ex.Sort == component.SortFunc {
			hasExec = true
			break
		}
	}
	if !hasExec {
		return nil, faults.Compile("decode", nil, "component does not export function %q", contract.ExportExec)
	}

	names := make([]string, 0, len(comp.Imports))
	for _, imp := range comp.Imports {
		names = append(names, imp.Name)
	}

	c := &Compiled{
		mode:    ModeComponent,
		request: capability.DetectComponent(names),
		raw:     raw,
	}
	e.logger.Debug("decoded component",
		zap.Int("size", len(raw)),
		zap.Strings("imports", names))
	return c, nil
}

// Close releases the compilation cache. Artifacts already compiled stay
// usable until their own Close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.cache != nil {
		return e.cache.Close(ctx)
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "fnhost")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "fnhost")
	}
	return filepath.Join(os.TempDir(), "fnhost-cache")
}
