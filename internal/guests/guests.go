// Package guests holds small guest functions, written in WebAssembly text,
// that implement the core-module form of the exec contract. Tests and
// benchmarks across the repository use them.
//
// Memory layout shared by every guest: constants live below 1024, the result
// pointer/length pair is stored at 8, and a bump allocator behind
// cabi_realloc hands out memory from 1024 upwards.
package guests

import (
	"fmt"
	"sync"

	"github.com/wippyai/wasm-runtime/wat"
)

// prelude exports memory and a bump allocator, and defines $concat3 which
// joins three byte ranges into a fresh allocation and returns the result
// pointer.
const prelude = `
  (memory 1)
  (export "memory" (memory 0))
  (global $heap (mut i32) (i32.const 1024))

  (func $realloc (param $old i32) (param $old_size i32) (param $align i32) (param $size i32) (result i32)
    (local $ptr i32)
    (local.set $ptr
      (i32.and
        (i32.add (global.get $heap) (i32.sub (local.get $align) (i32.const 1)))
        (i32.sub (i32.const 0) (local.get $align))))
    (global.set $heap (i32.add (local.get $ptr) (local.get $size)))
    (if (i32.gt_u (global.get $heap) (i32.mul (memory.size) (i32.const 65536)))
      (then
        (drop (memory.grow
          (i32.add
            (i32.shr_u
              (i32.sub (global.get $heap) (i32.mul (memory.size) (i32.const 65536)))
              (i32.const 16))
            (i32.const 1))))))
    (if (local.get $old)
      (then (memory.copy (local.get $ptr) (local.get $old) (local.get $old_size))))
    (local.get $ptr))
  (export "cabi_realloc" (func $realloc))

  (func $concat3 (param $a i32) (param $al i32) (param $b i32) (param $bl i32) (param $c i32) (param $cl i32) (result i32)
    (local $out i32)
    (local $n i32)
    (local.set $n (i32.add (i32.add (local.get $al) (local.get $bl)) (local.get $cl)))
    (local.set $out (call $realloc (i32.const 0) (i32.const 0) (i32.const 1) (local.get $n)))
    (memory.copy (local.get $out) (local.get $a) (local.get $al))
    (memory.copy (i32.add (local.get $out) (local.get $al)) (local.get $b) (local.get $bl))
    (memory.copy
      (i32.add (i32.add (local.get $out) (local.get $al)) (local.get $bl))
      (local.get $c)
      (local.get $cl))
    (i32.store (i32.const 8) (local.get $out))
    (i32.store (i32.const 12) (local.get $n))
    (i32.const 8))

  (func $find (param $i i32) (param $end i32) (param $b i32) (result i32)
    (block $done
      (loop $next
        (br_if $done (i32.ge_u (local.get $i) (local.get $end)))
        (if (i32.eq (i32.load8_u (local.get $i)) (local.get $b))
          (then (return (local.get $i))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $next)))
    (i32.const -1))
`

// echo returns its input unchanged.
const echo = `(module` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (i32.store (i32.const 8) (local.get $ptr))
    (i32.store (i32.const 12) (local.get $len))
    (i32.const 8))
  (export "exec" (func $exec)))`

// fibonacci reads the first number in {"n": N} and returns
// {"result": fib(N)} with fib(0) = 1, fib(1) = 2, fib(10) = 144.
const fibonacci = `(module` + prelude + `
  (data (i32.const 16) "{\"result\":")
  (data (i32.const 32) "}")

  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (local $end i32)
    (local $i i32)
    (local $c i32)
    (local $n i32)
    (local $seen i32)
    (local $a i32)
    (local $b i32)
    (local $t i32)
    (local $pos i32)
    (local.set $end (i32.add (local.get $ptr) (local.get $len)))
    (local.set $i (call $find (local.get $ptr) (local.get $end) (i32.const 58)))
    (if (i32.lt_s (local.get $i) (i32.const 0)) (then (unreachable)))

    (block $parsed
      (loop $scan
        (br_if $parsed (i32.ge_u (local.get $i) (local.get $end)))
        (local.set $c (i32.load8_u (local.get $i)))
        (if (i32.and (i32.ge_u (local.get $c) (i32.const 48)) (i32.le_u (local.get $c) (i32.const 57)))
          (then
            (local.set $n (i32.add (i32.mul (local.get $n) (i32.const 10)) (i32.sub (local.get $c) (i32.const 48))))
            (local.set $seen (i32.const 1)))
          (else
            (br_if $parsed (local.get $seen))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $scan)))
    (if (i32.eqz (local.get $seen)) (then (unreachable)))

    (local.set $a (i32.const 1))
    (local.set $b (i32.const 1))
    (block $computed
      (loop $step
        (br_if $computed (i32.eqz (local.get $n)))
        (local.set $t (local.get $a))
        (local.set $a (local.get $b))
        (local.set $b (i32.add (local.get $b) (local.get $t)))
        (local.set $n (i32.sub (local.get $n) (i32.const 1)))
        (br $step)))

    (local.set $pos (i32.const 1000))
    (loop $digit
      (local.set $pos (i32.sub (local.get $pos) (i32.const 1)))
      (i32.store8 (local.get $pos) (i32.add (i32.const 48) (i32.rem_u (local.get $b) (i32.const 10))))
      (local.set $b (i32.div_u (local.get $b) (i32.const 10)))
      (br_if $digit (local.get $b)))

    (call $concat3
      (i32.const 16) (i32.const 10)
      (local.get $pos) (i32.sub (i32.const 1000) (local.get $pos))
      (i32.const 32) (i32.const 1)))
  (export "exec" (func $exec)))`

// greeter reads the first string value in {"name": "X"} and returns
// {"result": "Hello X, how are you?"}. Bytes are copied verbatim.
const greeter = `(module` + prelude + `
  (data (i32.const 16) "{\"result\":\"Hello ")
  (data (i32.const 64) ", how are you?\"}")

  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (local $end i32)
    (local $colon i32)
    (local $start i32)
    (local $close i32)
    (local.set $end (i32.add (local.get $ptr) (local.get $len)))
    (local.set $colon (call $find (local.get $ptr) (local.get $end) (i32.const 58)))
    (if (i32.lt_s (local.get $colon) (i32.const 0)) (then (unreachable)))
    (local.set $start (call $find (local.get $colon) (local.get $end) (i32.const 34)))
    (if (i32.lt_s (local.get $start) (i32.const 0)) (then (unreachable)))
    (local.set $start (i32.add (local.get $start) (i32.const 1)))
    (local.set $close (call $find (local.get $start) (local.get $end) (i32.const 34)))
    (if (i32.lt_s (local.get $close) (i32.const 0)) (then (unreachable)))
    (call $concat3
      (i32.const 16) (i32.const 17)
      (local.get $start) (i32.sub (local.get $close) (local.get $start))
      (i32.const 64) (i32.const 16)))
  (export "exec" (func $exec)))`

// counter returns {"count":N} where N is how many times exec ran in this
// instance. A fresh instance always answers 1.
const counter = `(module` + prelude + `
  (global $count (mut i32) (i32.const 0))
  (data (i32.const 16) "{\"count\":")
  (data (i32.const 32) "}")

  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (global.set $count (i32.add (global.get $count) (i32.const 1)))
    (i32.store8 (i32.const 990) (i32.add (i32.const 48) (global.get $count)))
    (call $concat3
      (i32.const 16) (i32.const 9)
      (i32.const 990) (i32.const 1)
      (i32.const 32) (i32.const 1)))
  (export "exec" (func $exec)))`

// trap hits unreachable.
const trap = `(module` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (unreachable))
  (export "exec" (func $exec)))`

// badOutput returns a string that is not JSON.
const badOutput = `(module` + prelude + `
  (data (i32.const 16) "not json")

  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (call $concat3
      (i32.const 16) (i32.const 8)
      (i32.const 0) (i32.const 0)
      (i32.const 0) (i32.const 0)))
  (export "exec" (func $exec)))`

// printer writes its input to stdout and returns it.
const printer = `(module
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (i32.store (i32.const 900) (local.get $ptr))
    (i32.store (i32.const 904) (local.get $len))
    (drop (call $fd_write (i32.const 1) (i32.const 900) (i32.const 1) (i32.const 908)))
    (i32.store (i32.const 8) (local.get $ptr))
    (i32.store (i32.const 12) (local.get $len))
    (i32.const 8))
  (export "exec" (func $exec)))`

// fetcher forwards its input to the network capability as a host call and
// returns the host's answer. Its _initialize prints "init" so tests can tell
// whether any guest code ran.
const fetcher = `(module
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))
  (import "fnhost:network" "call" (func $call (param i32 i32) (result i32)))` + prelude + `
  (data (i32.const 128) "init\n")

  (func $init
    (i32.store (i32.const 900) (i32.const 128))
    (i32.store (i32.const 904) (i32.const 5))
    (drop (call $fd_write (i32.const 1) (i32.const 900) (i32.const 1) (i32.const 908))))
  (export "_initialize" (func $init))

  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (call $call (local.get $ptr) (local.get $len)))
  (export "exec" (func $exec)))`

// spin loops forever.
const spin = `(module` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (loop $forever
      (br $forever))
    (i32.const 8))
  (export "exec" (func $exec)))`

// noExec has the allocator but not the exec export.
const noExec = `(module` + prelude + `)`

// wrongExec exports exec with a flat signature.
const wrongExec = `(module` + prelude + `
  (func $exec (param $n i32) (result i32)
    (local.get $n))
  (export "exec" (func $exec)))`

// foreign imports a host module no capability provides.
const foreign = `(module
  (import "env" "abort" (func $abort (param i32)))` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (call $abort (i32.const 1))
    (i32.const 8))
  (export "exec" (func $exec)))`

// misfit imports fd_write with a signature WASI does not provide.
const misfit = `(module
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32) (result i32)))` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (drop (call $fd_write (i32.const 0)))
    (i32.const 8))
  (export "exec" (func $exec)))`

// unprovided imports a function the WASI host module does not export.
const unprovided = `(module
  (import "wasi_snapshot_preview1" "sock_listen" (func $listen (param i32) (result i32)))` + prelude + `
  (func $exec (param $ptr i32) (param $len i32) (result i32)
    (drop (call $listen (i32.const 0)))
    (i32.const 8))
  (export "exec" (func $exec)))`

var (
	mu    sync.Mutex
	cache = make(map[string][]byte)
)

func compile(name, src string) []byte {
	mu.Lock()
	defer mu.Unlock()

	if bin, ok := cache[name]; ok {
		return bin
	}
	bin, err := wat.Compile(src)
	if err != nil {
		panic(fmt.Sprintf("guests: compile %s: %v", name, err))
	}
	cache[name] = bin
	return bin
}

// Echo returns its input unchanged.
func Echo() []byte { return compile("echo", echo) }

// Fibonacci answers {"n": N} with {"result": fib(N)}.
func Fibonacci() []byte { return compile("fibonacci", fibonacci) }

// Greeter answers {"name": X} with {"result": "Hello X, how are you?"}.
func Greeter() []byte { return compile("greeter", greeter) }

// Counter answers {"count": N}, N being the number of exec calls seen by the
// instance.
func Counter() []byte { return compile("counter", counter) }

// Trap always traps.
func Trap() []byte { return compile("trap", trap) }

// BadOutput returns a non-JSON string.
func BadOutput() []byte { return compile("bad_output", badOutput) }

// Printer writes its input to stdout and echoes it.
func Printer() []byte { return compile("printer", printer) }

// Fetcher needs the network capability and relays its input as a host call.
func Fetcher() []byte { return compile("fetcher", fetcher) }

// Spin never returns.
func Spin() []byte { return compile("spin", spin) }

// NoExec lacks the exec export.
func NoExec() []byte { return compile("no_exec", noExec) }

// WrongExec exports exec with the wrong signature.
func WrongExec() []byte { return compile("wrong_exec", wrongExec) }

// Foreign imports env.abort, which no capability provides.
func Foreign() []byte { return compile("foreign", foreign) }

// Misfit imports wasi_snapshot_preview1.fd_write with the wrong signature.
func Misfit() []byte { return compile("misfit", misfit) }

// Unprovided imports wasi_snapshot_preview1.sock_listen, which WASI lacks.
func Unprovided() []byte { return compile("unprovided", unprovided) }
