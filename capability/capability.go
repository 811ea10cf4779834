// Package capability describes the host abilities a guest may be granted and
// the broker that grants them.
//
// Capabilities are data. A compiled artifact yields a Request derived from
// its imports; the Broker turns a Request into a fresh Set for one
// invocation; the sandbox links only what the Set contains.
package capability

import (
	"slices"
	"strings"
)

// Capability is one host-provided ability.
type Capability string

const (
	// Stdout is standard output passthrough plus the inert WASI baseline
	// (clocks, random, empty environment, exit). No preopened directories.
	Stdout Capability = "stdout"
	// Network is outbound HTTP to allow-listed hosts.
	Network Capability = "network"

	// Never granted. Named so link failures can say what was asked for.
	Filesystem Capability = "filesystem"
	Sockets    Capability = "sockets"
)

// Core module import names.
const (
	WASIModule    = "wasi_snapshot_preview1"
	NetworkModule = "fnhost:network"
	NetworkCall   = "call"
)

// coreModules maps a core import module to the capability providing it.
var coreModules = map[string]Capability{
	WASIModule:    Stdout,
	NetworkModule: Network,
}

// componentPackages maps a component import package (the part of the
// interface name before '/') to the capability providing it.
var componentPackages = map[string]Capability{
	"wasi:io":         Stdout,
	"wasi:clocks":     Stdout,
	"wasi:random":     Stdout,
	"wasi:cli":        Stdout,
	"wasi:http":       Network,
	"wasi:filesystem": Filesystem,
	"wasi:sockets":    Sockets,
}

// Import is a core module function import.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string {
	return i.Module + "." + i.Name
}

// Request is what a compiled artifact needs from the host.
type Request struct {
	Needs   []Capability // sorted, unique
	Unknown []string     // imports no capability provides
}

// Requires reports whether c is among the needed capabilities.
func (r Request) Requires(c Capability) bool {
	return slices.Contains(r.Needs, c)
}

// DetectCore derives a Request from core module imports.
func DetectCore(imports []Import) Request {
	var req Request
	for _, imp := range imports {
		if c, ok := coreModules[imp.Module]; ok {
			req.Needs = append(req.Needs, c)
			continue
		}
		req.Unknown = append(req.Unknown, imp.String())
	}
	return req.normalize()
}

// DetectComponent derives a Request from component import names such as
// "wasi:http/outgoing-handler@0.2.0".
func DetectComponent(names []string) Request {
	var req Request
	for _, name := range names {
		if c, ok := componentPackages[componentPackage(name)]; ok {
			req.Needs = append(req.Needs, c)
			continue
		}
		req.Unknown = append(req.Unknown, name)
	}
	return req.normalize()
}

func componentPackage(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	return name
}

func (r Request) normalize() Request {
	slices.Sort(r.Needs)
	r.Needs = slices.Compact(r.Needs)
	slices.Sort(r.Unknown)
	r.Unknown = slices.Compact(r.Unknown)
	return r
}
