package linker

import (
	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

func page(addr uint64) uint64 {
	return addr &^ 0xfff
}

// ldstShift is the scale of the unsigned 12-bit immediate of a load or
// store of the given kind.
func ldstShift(kind object.RelocKind) int {
	switch kind {
	case object.RelocAArch64Ldst16Lo12:
		return 1
	case object.RelocAArch64Ldst32Lo12:
		return 2
	case object.RelocAArch64Ldst64Lo12, object.RelocAArch64GotLo12:
		return 3
	case object.RelocAArch64Ldst128Lo12:
		return 4
	}
	return 0
}

func applyAArch64(loc []byte, kind object.RelocKind, v relocValues) *OutputError {
	S, A, P, G := v.S, uint64(v.A), v.P, v.G

	switch kind {
	case object.RelocAArch64Call26:
		val := int64(S + A - P)
		if val&3 != 0 {
			return misaligned(val, 4)
		}
		if !utils.FitsSigned(val, 28) {
			return overflow(val, 28)
		}
		writeImm26(loc, uint32(val>>2))
	case object.RelocAArch64AdrPage21, object.RelocAArch64GotPage21:
		target := S + A
		if kind == object.RelocAArch64GotPage21 {
			target = G + A
		}
		val := int64(page(target) - page(P))
		if !utils.FitsSigned(val, 33) {
			return overflow(val, 33)
		}
		writeAdr(loc, uint32(val>>12))
	case object.RelocAArch64AddLo12:
		writeImm12(loc, uint32(S+A)&0xfff)
	case object.RelocAArch64Ldst8Lo12, object.RelocAArch64Ldst16Lo12,
		object.RelocAArch64Ldst32Lo12, object.RelocAArch64Ldst64Lo12,
		object.RelocAArch64Ldst128Lo12, object.RelocAArch64GotLo12:
		target := S + A
		if kind == object.RelocAArch64GotLo12 {
			target = G + A
		}
		lo := target & 0xfff
		shift := ldstShift(kind)
		if lo&(1<<shift-1) != 0 {
			return misaligned(int64(lo), 1<<shift)
		}
		writeImm12(loc, uint32(lo>>shift))
	default:
		return &OutputError{Kind: UnsupportedRelocation}
	}
	return nil
}

// writeImm26 fills the branch offset of B and BL.
func writeImm26(loc []byte, imm uint32) {
	insn := utils.Read[uint32](loc)
	utils.Write[uint32](loc, insn&^0x03ff_ffff|imm&0x03ff_ffff)
}

// writeAdr splits a 21-bit page delta into the immlo and immhi fields of
// ADRP.
func writeAdr(loc []byte, imm uint32) {
	insn := utils.Read[uint32](loc)
	insn &^= 0x3<<29 | 0x7ffff<<5
	insn |= utils.Bits(imm, 1, 0)<<29 | utils.Bits(imm, 20, 2)<<5
	utils.Write[uint32](loc, insn)
}

// writeImm12 fills bits [21:10], the immediate of ADD and of the unsigned
// offset loads and stores.
func writeImm12(loc []byte, imm uint32) {
	insn := utils.Read[uint32](loc)
	utils.Write[uint32](loc, insn&^(0xfff<<10)|(imm&0xfff)<<10)
}
