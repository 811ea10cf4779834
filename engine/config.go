package engine

import (
	"fmt"
	"strings"
)

// OptLevel trades startup latency against execution speed.
type OptLevel int

const (
	// OptNone interprets the module. No ahead-of-time compilation cost.
	OptNone OptLevel = iota
	// OptSpeed compiles to native code when the platform supports it.
	OptSpeed
)

func (o OptLevel) String() string {
	switch o {
	case OptSpeed:
		return "speed"
	default:
		return "none"
	}
}

// ParseOptLevel accepts "none" or "speed".
func ParseOptLevel(s string) (OptLevel, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return OptNone, nil
	case "speed":
		return OptSpeed, nil
	default:
		return OptNone, fmt.Errorf("unknown optimization level %q (expected none or speed)", s)
	}
}

// Mode selects how a binary is interpreted.
type Mode int

const (
	// ModeAuto picks component or core mode from the binary header.
	ModeAuto Mode = iota
	// ModeCore accepts only core modules exporting the lowered contract.
	ModeCore
	// ModeComponent accepts only components exporting exec.
	ModeComponent
)

func (m Mode) String() string {
	switch m {
	case ModeCore:
		return "core"
	case ModeComponent:
		return "component"
	default:
		return "auto"
	}
}

// ParseMode accepts "auto", "core" or "component".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "core":
		return ModeCore, nil
	case "component":
		return ModeComponent, nil
	default:
		return ModeAuto, fmt.Errorf("unknown mode %q (expected auto, core or component)", s)
	}
}

// Memory limit presets in 64KB wasm pages.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

// ParseMemoryLimit maps "1mb", "16mb", "64mb", "256mb" or "1gb" to pages.
// Anything else yields 0, the runtime default.
func ParseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return MemoryLimit1MB
	case "16mb":
		return MemoryLimit16MB
	case "64mb":
		return MemoryLimit64MB
	case "256mb":
		return MemoryLimit256MB
	case "1gb":
		return MemoryLimit1GB
	default:
		return 0
	}
}

// Config is fixed per Engine. A Compiled artifact is bound to the Config of
// the Engine that produced it.
type Config struct {
	OptLevel OptLevel
	// Debug keeps DWARF information so traps carry source-level stack traces.
	Debug bool
	Mode  Mode
	// MemoryLimitPages caps guest linear memory. 0 means the runtime default.
	MemoryLimitPages uint32
}

// DefaultConfig favors diagnosability over startup latency.
func DefaultConfig() Config {
	return Config{
		OptLevel: OptNone,
		Debug:    true,
		Mode:     ModeAuto,
	}
}
