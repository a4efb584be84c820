package target

import (
	"errors"
	"testing"

	"github.com/ksco/weld/pkg/object"
	_ "github.com/ksco/weld/pkg/object/elf"
	_ "github.com/ksco/weld/pkg/object/macho"
)

func TestParse(t *testing.T) {
	tests := []struct {
		triple string
		arch   object.Arch
		os     string
		family object.FormatKind
	}{
		{"x86_64-unknown-linux-gnu", object.ArchX86_64, "linux", object.FormatELF},
		{"aarch64-unknown-linux-musl", object.ArchAArch64, "linux", object.FormatELF},
		{"riscv64gc-unknown-none-elf", object.ArchRISCV64, "none", object.FormatELF},
		{"amd64-unknown-freebsd13.2", object.ArchX86_64, "freebsd", object.FormatELF},
		{"arm64-apple-darwin", object.ArchAArch64, "darwin", object.FormatMachO},
		{"x86_64-apple-macosx14.0", object.ArchX86_64, "macosx", object.FormatMachO},
		{"aarch64-apple-ios", object.ArchAArch64, "ios", object.FormatMachO},
		{"x86_64-pc-windows-msvc", object.ArchX86_64, "windows", object.FormatCOFF},
		{"wasm32-unknown-unknown", object.ArchNone, "", object.FormatWasm},
		{"wasm32-wasi", object.ArchNone, "wasi", object.FormatWasm},
		{"powerpc64-ibm-aix", object.ArchNone, "aix", object.FormatXCOFF},
		{"s390x-ibm-zos", object.ArchNone, "zos", object.FormatGOFF},
		{"thumbv7em-none-eabi", object.ArchNone, "none", object.FormatELF},
		{"x86_64-unknown-unknown", object.ArchX86_64, "", object.FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.triple, func(t *testing.T) {
			got, err := Parse(tt.triple)
			if err != nil {
				t.Fatalf("Failed to parse %q: %v", tt.triple, err)
			}
			if got.Arch != tt.arch || got.OS != tt.os || got.Family != tt.family {
				t.Errorf("got arch %s os %q family %s, want %s %q %s",
					got.Arch, got.OS, got.Family, tt.arch, tt.os, tt.family)
			}
		})
	}
}

func TestParseRejectsMalformedTriples(t *testing.T) {
	for _, triple := range []string{"", "x86_64", "x86_64--linux", "-linux", "x86_64-linux-", "x86_64- linux"} {
		if _, err := Parse(triple); err == nil {
			t.Errorf("Parse(%q) succeeded", triple)
		}
	}
}

func TestFormat(t *testing.T) {
	for _, triple := range []string{"x86_64-unknown-linux-gnu", "arm64-apple-darwin"} {
		tgt, err := Parse(triple)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", triple, err)
		}
		f, err := tgt.Format()
		if err != nil {
			t.Fatalf("no format for %q: %v", triple, err)
		}
		if f.Kind() != tgt.Family {
			t.Errorf("got format %s for %q", f.Kind(), triple)
		}
	}
}

func TestFormatUnsupported(t *testing.T) {
	tgt, err := Parse("x86_64-pc-windows-msvc")
	if err != nil {
		t.Fatalf("Failed to parse triple: %v", err)
	}
	_, err = tgt.Format()
	var ufe *UnsupportedFormatError
	if !errors.As(err, &ufe) {
		t.Fatalf("got %v, want UnsupportedFormatError", err)
	}
	if ufe.Family != object.FormatCOFF || ufe.Triple != "x86_64-pc-windows-msvc" || ufe.Arch != "x86_64" {
		t.Errorf("got %+v", ufe)
	}
}

func TestHostParses(t *testing.T) {
	if _, err := Parse(Host()); err != nil {
		t.Errorf("host triple %q: %v", Host(), err)
	}
}
