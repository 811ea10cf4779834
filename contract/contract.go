// Package contract defines the Function-Execution Contract every guest
// implements: a single operation exec taking a JSON string and returning a
// JSON string.
//
// Components export exec directly. Core modules export the canonical ABI
// lowering of the same signature:
//
//	memory                                  linear memory
//	cabi_realloc(old, old_size, align, size) -> ptr
//	exec(ptr, len) -> retptr                retptr points at [ptr u32, len u32]
//	cabi_post_exec(retptr)                  optional, frees the result
package contract

import (
	"encoding/json"
	"unicode/utf8"

	"go.bytecodealliance.org/wit"

	"github.com/caffeineduck/fnhost/faults"
)

// World is the WIT description of the contract.
const World = `package fnhost:function;

world function {
  export exec: func(input: string) -> string;
}
`

// Export names of a core module implementing the contract.
const (
	ExportExec     = "exec"
	ExportRealloc  = "cabi_realloc"
	ExportPostExec = "cabi_post_exec"
	ExportMemory   = "memory"
)

// InitFunction is run after instantiation when a reactor module exports it.
const InitFunction = "_initialize"

// ExecParams and ExecResults are the component-level types of exec.
var (
	ExecParams  = []wit.Type{wit.String{}}
	ExecResults = []wit.Type{wit.String{}}
)

// ValidateInput rejects a payload before the guest is called.
func ValidateInput(payload string) error {
	return validate("input", payload)
}

// ValidateOutput rejects a guest result that is not a JSON document.
func ValidateOutput(payload string) error {
	return validate("output", payload)
}

func validate(op, payload string) error {
	if !utf8.ValidString(payload) {
		return faults.PayloadSerialization(op, nil, "payload is not valid UTF-8")
	}
	if !json.Valid([]byte(payload)) {
		return faults.PayloadSerialization(op, nil, "payload is not valid JSON")
	}
	return nil
}
