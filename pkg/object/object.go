// Package object holds the format-agnostic representation of linker inputs
// and outputs. Format packages (elf, macho) translate their native tables
// into these types and back, so symbol resolution, layout and relocation
// are written once.
package object

import "fmt"

// FormatKind tags a binary container format family.
type FormatKind uint8

const (
	FormatUnknown FormatKind = iota
	FormatELF
	FormatMachO
	FormatCOFF
	FormatWasm
	FormatXCOFF
	FormatGOFF
)

func (f FormatKind) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatCOFF:
		return "coff"
	case FormatWasm:
		return "wasm"
	case FormatXCOFF:
		return "xcoff"
	case FormatGOFF:
		return "goff"
	}
	return "unknown"
}

type Arch uint8

const (
	ArchNone Arch = iota
	ArchX86_64
	ArchAArch64
	ArchRISCV64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	case ArchRISCV64:
		return "riscv64"
	}
	return "none"
}

// FileType is the kind of image an input declares itself to be.
type FileType uint8

const (
	FileRelocatable FileType = iota
	FileExecutable
	FileShared
)

// OutputKind selects what the link produces.
type OutputKind uint8

const (
	OutputExecutable OutputKind = iota
	OutputShared
	OutputRelocatable
)

func (k OutputKind) String() string {
	switch k {
	case OutputExecutable:
		return "executable"
	case OutputShared:
		return "shared-object"
	case OutputRelocatable:
		return "relocatable"
	}
	return fmt.Sprintf("OutputKind(%d)", uint8(k))
}

// SectionKind is the content class that drives segment assignment.
type SectionKind uint8

const (
	KindCode SectionKind = iota
	KindReadOnly
	KindData
	KindZeroFill
	KindOther
)

func (k SectionKind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindReadOnly:
		return "rodata"
	case KindData:
		return "data"
	case KindZeroFill:
		return "zerofill"
	case KindOther:
		return "other"
	}
	return fmt.Sprintf("SectionKind(%d)", uint8(k))
}

// Allocated reports whether sections of this kind occupy address space.
func (k SectionKind) Allocated() bool {
	return k != KindOther
}

type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
	BindCommon
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "local"
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	case BindCommon:
		return "common"
	}
	return fmt.Sprintf("Binding(%d)", uint8(b))
}

type Visibility uint8

const (
	VisDefault Visibility = iota
	VisInternal
	VisHidden
	VisProtected
)

type SymbolType uint8

const (
	SymNone SymbolType = iota
	SymObject
	SymFunc
	SymSection
	SymFile
	SymDebug
)

// Special values of Symbol.Section.
const (
	SectionUndef = -1
	SectionAbs   = -2
)

// Section is a contiguous run of bytes, or of zero-fill space when Data is
// nil and Kind is KindZeroFill.
//
// EntSize is nonzero for sections whose entries may be merged with equal
// entries of other inputs. With Strings set the entries are NUL terminated
// strings of EntSize-wide characters, otherwise they are EntSize bytes each.
type Section struct {
	Name    string
	Segment string
	Kind    SectionKind
	Align   uint64
	Size    uint64
	Addr    uint64
	Data    []byte
	Flags   uint64
	EntSize uint64
	Strings bool
}

// Symbol is one entry of an object's symbol list. Value is relative to the
// defining section, or the alignment for commons.
type Symbol struct {
	Name       string
	Binding    Binding
	Visibility Visibility
	Type       SymbolType
	Section    int
	Value      uint64
	Size       uint64
}

func (s *Symbol) IsUndef() bool {
	return s.Section == SectionUndef && s.Binding != BindCommon
}

func (s *Symbol) IsAbs() bool {
	return s.Section == SectionAbs
}

func (s *Symbol) IsCommon() bool {
	return s.Binding == BindCommon
}

func (s *Symbol) IsLocal() bool {
	return s.Binding == BindLocal
}

// Relocation patches Kind.Size() bytes at Offset inside Sections[Section].
// Symbol indexes the owning object's Symbols; section-relative references
// go through a section symbol.
type Relocation struct {
	Section int
	Offset  uint64
	Kind    RelocKind
	Symbol  int
	Addend  int64
}

// InputObject is one parsed object file.
type InputObject struct {
	Format      FormatKind
	Arch        Arch
	Type        FileType
	Flags       uint32
	Entry       uint64
	Sections    []Section
	Symbols     []Symbol
	Relocations []Relocation
}

// Validate checks the cross-table index invariants every parser must
// establish.
func (o *InputObject) Validate() error {
	for i := range o.Sections {
		s := &o.Sections[i]
		if s.Align == 0 || s.Align&(s.Align-1) != 0 {
			return &ParseError{Cause: CauseInconsistent,
				Msg: fmt.Sprintf("section %q: alignment %d is not a power of two", s.Name, s.Align)}
		}
		if s.Kind != KindZeroFill && uint64(len(s.Data)) != s.Size {
			return &ParseError{Cause: CauseInconsistent,
				Msg: fmt.Sprintf("section %q: size %d does not match %d content bytes", s.Name, s.Size, len(s.Data))}
		}
	}
	for i := range o.Symbols {
		sym := &o.Symbols[i]
		if sym.Section >= len(o.Sections) || sym.Section < SectionAbs {
			return &ParseError{Cause: CauseInconsistent,
				Msg: fmt.Sprintf("symbol %q: section index %d out of range", sym.Name, sym.Section)}
		}
	}
	for i := range o.Relocations {
		r := &o.Relocations[i]
		if r.Symbol < 0 || r.Symbol >= len(o.Symbols) {
			return &ParseError{Cause: CauseInconsistent,
				Msg: fmt.Sprintf("relocation %d: symbol index %d out of range", i, r.Symbol)}
		}
		if r.Section < 0 || r.Section >= len(o.Sections) {
			return &ParseError{Cause: CauseInconsistent,
				Msg: fmt.Sprintf("relocation %d: section index %d out of range", i, r.Section)}
		}
		sec := &o.Sections[r.Section]
		if r.Offset+uint64(r.Kind.Size()) > sec.Size {
			return &ParseError{Cause: CauseOutOfRange,
				Msg: fmt.Sprintf("relocation %d: offset %#x outside section %q", i, r.Offset, sec.Name)}
		}
	}
	return nil
}

// SectionRelocations returns the relocations patching section idx, in table
// order.
func (o *InputObject) SectionRelocations(idx int) []Relocation {
	var rels []Relocation
	for _, r := range o.Relocations {
		if r.Section == idx {
			rels = append(rels, r)
		}
	}
	return rels
}
