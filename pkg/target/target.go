// Package target maps target triples onto architectures and binary format
// families.
package target

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/ksco/weld/pkg/diag"
	"github.com/ksco/weld/pkg/object"
)

// Target holds the configuration we're linking for.
type Target struct {
	Triple string
	Arch   object.Arch
	// ArchName is the architecture component as written, kept when Arch
	// is ArchNone.
	ArchName string
	OS       string
	Family   object.FormatKind
}

func (t Target) String() string { return t.Triple }

// UnsupportedFormatError reports a triple that was understood but whose
// binary format family has no registered emitter. Arch is the triple's
// architecture as written.
type UnsupportedFormatError struct {
	Triple string
	Arch   string
	Family object.FormatKind
}

func (e *UnsupportedFormatError) Error() string {
	if e.Arch == "" {
		return fmt.Sprintf("target %q is understood, but its binary format %s is not supported", e.Triple, e.Family)
	}
	return fmt.Sprintf("target %q is understood, but its binary format %s is not supported for %s",
		e.Triple, e.Family, e.Arch)
}

func (e *UnsupportedFormatError) ErrorCode() diag.Code { return diag.UnsupportedFormat }

var arches = map[string]object.Arch{
	"x86_64":      object.ArchX86_64,
	"amd64":       object.ArchX86_64,
	"x86_64h":     object.ArchX86_64,
	"aarch64":     object.ArchAArch64,
	"arm64":       object.ArchAArch64,
	"arm64e":      object.ArchAArch64,
	"riscv64":     object.ArchRISCV64,
	"riscv64gc":   object.ArchRISCV64,
	"riscv64i":    object.ArchRISCV64,
	"riscv64imac": object.ArchRISCV64,
}

var families = map[string]object.FormatKind{
	"linux":      object.FormatELF,
	"android":    object.FormatELF,
	"freebsd":    object.FormatELF,
	"netbsd":     object.FormatELF,
	"openbsd":    object.FormatELF,
	"dragonfly":  object.FormatELF,
	"solaris":    object.FormatELF,
	"illumos":    object.FormatELF,
	"fuchsia":    object.FormatELF,
	"none":       object.FormatELF,
	"elf":        object.FormatELF,
	"darwin":     object.FormatMachO,
	"macos":      object.FormatMachO,
	"macosx":     object.FormatMachO,
	"ios":        object.FormatMachO,
	"tvos":       object.FormatMachO,
	"watchos":    object.FormatMachO,
	"visionos":   object.FormatMachO,
	"windows":    object.FormatCOFF,
	"uefi":       object.FormatCOFF,
	"wasi":       object.FormatWasm,
	"emscripten": object.FormatWasm,
	"aix":        object.FormatXCOFF,
	"zos":        object.FormatGOFF,
}

// osName strips a trailing version, as in darwin23.1.0 or macos14.
func osName(s string) string {
	return strings.TrimRight(s, "0123456789.")
}

// Parse splits arch-vendor-os[-env]. The first component naming a known
// operating system or environment decides the family; wasm architectures
// are always Wasm.
func Parse(triple string) (Target, error) {
	parts := strings.Split(triple, "-")
	if len(parts) < 2 {
		return Target{}, diag.Errorf(diag.CommandLine, "malformed target triple %q", triple)
	}
	for _, p := range parts {
		if p == "" || strings.TrimSpace(p) != p {
			return Target{}, diag.Errorf(diag.CommandLine, "malformed target triple %q", triple)
		}
	}

	t := Target{Triple: triple, ArchName: parts[0], Arch: arches[strings.ToLower(parts[0])]}
	for _, p := range parts[1:] {
		name := osName(strings.ToLower(p))
		if f, ok := families[name]; ok {
			t.OS = name
			t.Family = f
			break
		}
	}
	if strings.HasPrefix(parts[0], "wasm") {
		t.Family = object.FormatWasm
	}
	return t, nil
}

// Format returns the registered format for the triple's family.
func (t Target) Format() (object.Format, error) {
	if f, ok := object.Lookup(t.Family); ok {
		return f, nil
	}
	return nil, &UnsupportedFormatError{Triple: t.Triple, Arch: t.ArchName, Family: t.Family}
}

// Host is the triple of the running system.
func Host() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	switch runtime.GOOS {
	case "darwin":
		if arch == "aarch64" {
			arch = "arm64"
		}
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	case "linux":
		return arch + "-unknown-linux-gnu"
	}
	return arch + "-unknown-" + runtime.GOOS
}
