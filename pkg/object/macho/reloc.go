package macho

import (
	"debug/macho"
	"encoding/binary"
	"fmt"

	"github.com/ksco/weld/pkg/object"
)

func absKind(ri *RelocationInfo, off int64) (object.RelocKind, error) {
	if ri.PCRel() {
		return 0, object.Errorf(off, object.CauseInconsistent, "pc-relative UNSIGNED relocation")
	}
	switch ri.Length() {
	case 3:
		return object.RelocAbs64, nil
	case 2:
		return object.RelocAbs32, nil
	}
	return 0, object.Errorf(off, object.CauseUnsupportedFeature, "UNSIGNED relocation of %d bytes", 1<<ri.Length())
}

// x86Relocation converts implicit addends to the S + A - P convention of
// the object model. An extern SIGNED_n stores the addend as is, so n only
// matters to the section-relative form, where it is folded into the
// embedded displacement.
func (p *parser) x86Relocation(r *object.Relocation, ri *RelocationInfo, sec *object.Section, targetAddr uint64, off int64) error {
	e := embedded(sec.Data[r.Offset:], ri.Length())
	typ := macho.RelocTypeX86_64(ri.Type())
	switch typ {
	case macho.X86_64_RELOC_UNSIGNED:
		kind, err := absKind(ri, off)
		if err != nil {
			return err
		}
		r.Kind = kind
		r.Addend = e - int64(targetAddr)
		return nil
	case macho.X86_64_RELOC_SIGNED, macho.X86_64_RELOC_BRANCH,
		macho.X86_64_RELOC_SIGNED_1, macho.X86_64_RELOC_SIGNED_2, macho.X86_64_RELOC_SIGNED_4,
		macho.X86_64_RELOC_GOT_LOAD, macho.X86_64_RELOC_GOT:
	default:
		return object.Errorf(off, object.CauseUnsupportedFeature, "unsupported relocation %s", typ)
	}

	if !ri.PCRel() || ri.Length() != 2 {
		return object.Errorf(off, object.CauseInconsistent, "%s must be a pc-relative 32-bit field", typ)
	}

	r.Kind = object.RelocPCRel32
	if typ == macho.X86_64_RELOC_GOT_LOAD || typ == macho.X86_64_RELOC_GOT {
		if !ri.Extern() {
			return object.Errorf(off, object.CauseInconsistent, "%s against a section", typ)
		}
		r.Kind = object.RelocGOTPCRel32
	}
	if ri.Extern() {
		r.Addend = e - 4
	} else {
		r.Addend = int64(sec.Addr+r.Offset) + e - int64(targetAddr)
	}
	return nil
}

// pageOff12Kind picks the scaled variant of PAGEOFF12 from the instruction
// it patches.
func pageOff12Kind(insn uint32) (object.RelocKind, bool) {
	if insn&0x1f000000 == 0x11000000 {
		return object.RelocAArch64AddLo12, true
	}
	if insn&0x3b000000 != 0x39000000 {
		return 0, false
	}
	size := insn >> 30
	if insn>>26&1 == 1 && size == 0 && insn>>23&1 == 1 {
		return object.RelocAArch64Ldst128Lo12, true
	}
	return [...]object.RelocKind{
		object.RelocAArch64Ldst8Lo12,
		object.RelocAArch64Ldst16Lo12,
		object.RelocAArch64Ldst32Lo12,
		object.RelocAArch64Ldst64Lo12,
	}[size], true
}

func (p *parser) arm64Relocation(r *object.Relocation, ri *RelocationInfo, sec *object.Section, targetAddr uint64, addend int64, off int64) error {
	typ := macho.RelocTypeARM64(ri.Type())
	if typ == macho.ARM64_RELOC_UNSIGNED {
		if addend != 0 {
			return object.Errorf(off, object.CauseInconsistent, "ARM64_RELOC_ADDEND before UNSIGNED")
		}
		kind, err := absKind(ri, off)
		if err != nil {
			return err
		}
		r.Kind = kind
		r.Addend = embedded(sec.Data[r.Offset:], ri.Length()) - int64(targetAddr)
		return nil
	}

	if ri.Length() != 2 {
		return object.Errorf(off, object.CauseInconsistent, "%s must patch a 32-bit instruction", typ)
	}
	if !ri.Extern() {
		return object.Errorf(off, object.CauseUnsupportedFeature, "%s against a section", typ)
	}
	r.Addend = addend

	switch typ {
	case macho.ARM64_RELOC_BRANCH26:
		r.Kind = object.RelocAArch64Call26
	case macho.ARM64_RELOC_PAGE21:
		r.Kind = object.RelocAArch64AdrPage21
	case macho.ARM64_RELOC_PAGEOFF12:
		insn := binary.LittleEndian.Uint32(sec.Data[r.Offset:])
		kind, ok := pageOff12Kind(insn)
		if !ok {
			return object.Errorf(off, object.CauseUnsupportedFeature, "PAGEOFF12 on instruction %#08x", insn)
		}
		r.Kind = kind
	case macho.ARM64_RELOC_GOT_LOAD_PAGE21:
		r.Kind = object.RelocAArch64GotPage21
	case macho.ARM64_RELOC_GOT_LOAD_PAGEOFF12:
		r.Kind = object.RelocAArch64GotLo12
	default:
		return object.Errorf(off, object.CauseUnsupportedFeature, "unsupported relocation %s", typ)
	}
	if r.Kind.IsGOT() && addend != 0 {
		return object.Errorf(off, object.CauseInconsistent, "%s with an addend", typ)
	}
	return nil
}

// nativeReloc is one relocation_info as the writer emits it. Embed is the
// implicit addend stored at the site when Store is set; a nonzero Addend
// is emitted as a preceding ARM64_RELOC_ADDEND.
type nativeReloc struct {
	Type   uint32
	PCRel  bool
	Length uint32
	Embed  int64
	Store  bool
	Addend int64
}

// encodeReloc inverts the parser's addend conventions. site and targetAddr
// are the addresses of the relocated field and, for section relocations,
// of the target section.
func encodeReloc(arch object.Arch, r *object.Relocation, extern bool, site, targetAddr uint64) (nativeReloc, error) {
	var base int64
	if !extern {
		base = int64(targetAddr)
	}
	abs := func(typ uint32) (nativeReloc, error) {
		n := nativeReloc{Type: typ, Length: 3, Embed: r.Addend + base, Store: true}
		if r.Kind == object.RelocAbs32 {
			n.Length = 2
		}
		return n, nil
	}

	switch arch {
	case object.ArchX86_64:
		switch r.Kind {
		case object.RelocAbs64, object.RelocAbs32:
			return abs(uint32(macho.X86_64_RELOC_UNSIGNED))
		case object.RelocPCRel32:
			n := nativeReloc{Type: uint32(macho.X86_64_RELOC_SIGNED), PCRel: true, Length: 2, Store: true}
			if extern {
				n.Embed = r.Addend + 4
			} else {
				n.Embed = r.Addend + base - int64(site)
			}
			return n, nil
		case object.RelocGOTPCRel32:
			if extern {
				return nativeReloc{Type: uint32(macho.X86_64_RELOC_GOT_LOAD), PCRel: true, Length: 2,
					Embed: r.Addend + 4, Store: true}, nil
			}
		}
	case object.ArchAArch64:
		var typ macho.RelocTypeARM64
		pcrel := false
		switch r.Kind {
		case object.RelocAbs64, object.RelocAbs32:
			return abs(uint32(macho.ARM64_RELOC_UNSIGNED))
		case object.RelocAArch64Call26:
			typ, pcrel = macho.ARM64_RELOC_BRANCH26, true
		case object.RelocAArch64AdrPage21:
			typ, pcrel = macho.ARM64_RELOC_PAGE21, true
		case object.RelocAArch64AddLo12, object.RelocAArch64Ldst8Lo12, object.RelocAArch64Ldst16Lo12,
			object.RelocAArch64Ldst32Lo12, object.RelocAArch64Ldst64Lo12, object.RelocAArch64Ldst128Lo12:
			typ = macho.ARM64_RELOC_PAGEOFF12
		case object.RelocAArch64GotPage21:
			typ, pcrel = macho.ARM64_RELOC_GOT_LOAD_PAGE21, true
		case object.RelocAArch64GotLo12:
			typ = macho.ARM64_RELOC_GOT_LOAD_PAGEOFF12
		default:
			return nativeReloc{}, fmt.Errorf("macho: %s has no arm64 encoding", r.Kind)
		}
		if !extern {
			return nativeReloc{}, fmt.Errorf("macho: %s cannot reference a section", r.Kind)
		}
		if r.Kind.IsGOT() && r.Addend != 0 {
			return nativeReloc{}, fmt.Errorf("macho: %s cannot carry an addend", r.Kind)
		}
		if r.Addend < -(1<<23) || r.Addend >= 1<<23 {
			return nativeReloc{}, fmt.Errorf("macho: addend %d does not fit ARM64_RELOC_ADDEND", r.Addend)
		}
		return nativeReloc{Type: uint32(typ), PCRel: pcrel, Length: 2, Addend: r.Addend}, nil
	}
	return nativeReloc{}, fmt.Errorf("macho: %s has no %s encoding", r.Kind, arch)
}
