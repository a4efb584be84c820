package linker

import (
	"fmt"
	"math"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// relocValues are the operands of a relocation formula: S the symbol
// address, A the addend, P the address of the patched site and G the
// address of the symbol's GOT slot.
type relocValues struct {
	S uint64
	A int64
	P uint64
	G uint64
}

func overflow(val int64, width int) *OutputError {
	return &OutputError{Kind: RelocationOverflow, Value: val,
		Msg: fmt.Sprintf("value %#x does not fit in %d bits", val, width)}
}

func misaligned(val int64, align int64) *OutputError {
	return &OutputError{Kind: RelocationMisaligned, Value: val,
		Msg: fmt.Sprintf("value %#x is not a multiple of %d", val, align)}
}

// kindArch returns the architecture a kind is specific to, or ArchNone.
func kindArch(kind object.RelocKind) object.Arch {
	switch {
	case kind >= object.RelocAArch64Call26 && kind <= object.RelocAArch64GotLo12:
		return object.ArchAArch64
	case kind >= object.RelocRISCVBranch && kind <= object.RelocRISCVRVCJump:
		return object.ArchRISCV64
	case kind == object.RelocAbs32S, kind == object.RelocGOTPCRel32:
		return object.ArchX86_64
	}
	return object.ArchNone
}

func isPCRelHi20(kind object.RelocKind) bool {
	return kind == object.RelocRISCVPCRelHi20 || kind == object.RelocRISCVGotHi20
}

func isPCRelLo12(kind object.RelocKind) bool {
	return kind == object.RelocRISCVPCRelLo12I || kind == object.RelocRISCVPCRelLo12S
}

// forwards decides whether a relocation is copied into the output
// relocation table instead of being applied. Undefined symbols that were
// tolerated are always forwarded; weak-only references resolve to zero
// unless the output is relocatable. A relocatable output resolves only
// PC-relative references that stay inside one output section.
func (i *InputSection) forwards(ctx *Context, rel *object.Relocation, sym *Symbol) bool {
	if !sym.IsDefined() {
		return sym.Referenced || ctx.relocatable()
	}
	if !ctx.relocatable() {
		return false
	}
	if rel.Kind.IsGOT() {
		return true
	}
	return !(rel.Kind.IsPCRel() && sym.InputSection != nil &&
		sym.InputSection.OutputSection == i.OutputSection)
}

// fragmentAddr resolves a reference through the section symbol of a merged
// section. The addend selects the entry, so it is consumed here.
func fragmentAddr(sym *Symbol, addend int64) (uint64, bool) {
	isec := sym.InputSection
	off := int64(sym.Value) + addend
	if off < 0 {
		return 0, false
	}
	m := isec.File.MergeableSections[isec.Shndx]
	frag, fragOffset := m.GetFragment(uint64(off))
	if frag == nil {
		return 0, false
	}
	return frag.GetAddr() + fragOffset, true
}

func (i *InputSection) relocError(e *OutputError, rel *object.Relocation, sym *Symbol) error {
	e.Symbol = sym.Name
	e.Input = i.File.Name
	e.Section = i.Name
	e.Offset = rel.Offset
	e.Reloc = rel.Kind
	return e
}

// ApplyRelocs patches base, the copy of this section inside its output
// buffer. RISC-V PCREL_LO12 relocations point at the AUIPC carrying the
// matching HI20 rather than at the final target, so they are evaluated in
// a second pass from the values recorded in the first.
func (i *InputSection) ApplyRelocs(ctx *Context, base []byte) error {
	type hiPart struct {
		val       int64
		forwarded bool
	}
	var his map[uint64]hiPart

	for k := range i.Rels {
		rel := &i.Rels[k]
		if rel.Kind == object.RelocNone || isPCRelLo12(rel.Kind) {
			continue
		}
		sym := i.File.Symbols[rel.Symbol]

		if a := kindArch(rel.Kind); a != object.ArchNone && a != ctx.Arch {
			return i.relocError(&OutputError{Kind: UnsupportedRelocation,
				Msg: fmt.Sprintf("not valid for %s", ctx.Arch)}, rel, sym)
		}
		if rel.Offset+uint64(rel.Kind.Size()) > uint64(len(base)) {
			return i.relocError(&OutputError{Kind: UnsupportedRelocation,
				Msg: "site is outside the section"}, rel, sym)
		}

		if i.forwards(ctx, rel, sym) {
			i.Forward = append(i.Forward, ForwardedReloc{Rel: *rel, Sym: sym})
			if isPCRelHi20(rel.Kind) {
				if his == nil {
					his = make(map[uint64]hiPart)
				}
				his[rel.Offset] = hiPart{forwarded: true}
			}
			continue
		}

		v := relocValues{S: sym.GetAddr(), A: rel.Addend, P: i.GetAddr() + rel.Offset}
		if sym.Type == object.SymSection && sym.InputSection != nil && !sym.InputSection.IsAlive {
			S, ok := fragmentAddr(sym, rel.Addend)
			if !ok {
				return i.relocError(&OutputError{Kind: UnsupportedRelocation,
					Msg: "points outside its merged section"}, rel, sym)
			}
			v.S, v.A = S, 0
		}
		if rel.Kind.IsGOT() {
			v.G = sym.GetGotAddr(ctx)
		}
		if e := applyReloc(base[rel.Offset:], rel.Kind, v); e != nil {
			return i.relocError(e, rel, sym)
		}
		if isPCRelHi20(rel.Kind) {
			if his == nil {
				his = make(map[uint64]hiPart)
			}
			S := v.S
			if rel.Kind.IsGOT() {
				S = v.G
			}
			his[rel.Offset] = hiPart{val: int64(S + uint64(v.A) - v.P)}
		}
	}

	for k := range i.Rels {
		rel := &i.Rels[k]
		if !isPCRelLo12(rel.Kind) {
			continue
		}
		sym := i.File.Symbols[rel.Symbol]
		if sym.InputSection != i || rel.Offset+4 > uint64(len(base)) {
			return i.relocError(&OutputError{Kind: RelocationUnpaired,
				Msg: "does not point at a HI20 site in the same section"}, rel, sym)
		}
		hi, ok := his[sym.Value]
		if !ok {
			return i.relocError(&OutputError{Kind: RelocationUnpaired,
				Msg: fmt.Sprintf("no HI20 relocation at offset %#x", sym.Value)}, rel, sym)
		}
		if hi.forwarded {
			i.Forward = append(i.Forward, ForwardedReloc{Rel: *rel, Sym: sym})
			continue
		}
		writeRISCVLo12(base[rel.Offset:], rel.Kind, uint32(hi.val))
	}
	return nil
}

// applyReloc evaluates one relocation and writes the encoded result to loc.
func applyReloc(loc []byte, kind object.RelocKind, v relocValues) *OutputError {
	S, A, P, G := v.S, uint64(v.A), v.P, v.G

	switch kind {
	case object.RelocAbs64:
		utils.Write[uint64](loc, S+A)
	case object.RelocAbs32:
		val := int64(S + A)
		if val < math.MinInt32 || val > math.MaxUint32 {
			return overflow(val, 32)
		}
		utils.Write[uint32](loc, uint32(val))
	case object.RelocAbs32S:
		val := int64(S + A)
		if !utils.FitsSigned(val, 32) {
			return overflow(val, 32)
		}
		utils.Write[uint32](loc, uint32(val))
	case object.RelocPCRel32:
		val := int64(S + A - P)
		if !utils.FitsSigned(val, 32) {
			return overflow(val, 32)
		}
		utils.Write[uint32](loc, uint32(val))
	case object.RelocPCRel64:
		utils.Write[uint64](loc, S+A-P)
	case object.RelocGOTPCRel32:
		val := int64(G + A - P)
		if !utils.FitsSigned(val, 32) {
			return overflow(val, 32)
		}
		utils.Write[uint32](loc, uint32(val))

	// Label differences wrap by definition.
	case object.RelocAdd8:
		loc[0] += uint8(S + A)
	case object.RelocAdd16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)+uint16(S+A))
	case object.RelocAdd32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)+uint32(S+A))
	case object.RelocAdd64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)+S+A)
	case object.RelocSub8:
		loc[0] -= uint8(S + A)
	case object.RelocSub16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)-uint16(S+A))
	case object.RelocSub32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)-uint32(S+A))
	case object.RelocSub64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)-(S+A))

	default:
		switch kindArch(kind) {
		case object.ArchAArch64:
			return applyAArch64(loc, kind, v)
		case object.ArchRISCV64:
			return applyRISCV(loc, kind, v)
		}
		return &OutputError{Kind: UnsupportedRelocation}
	}
	return nil
}
