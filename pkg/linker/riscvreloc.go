package linker

import (
	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// fitsHi20 reports whether an AUIPC or LUI pair can reach val once the low
// 12 bits are sign extended.
func fitsHi20(val int64) bool {
	return utils.FitsSigned(val+0x800, 32)
}

func applyRISCV(loc []byte, kind object.RelocKind, v relocValues) *OutputError {
	S, A, P, G := v.S, uint64(v.A), v.P, v.G

	switch kind {
	case object.RelocRISCVBranch:
		val := int64(S + A - P)
		if val&1 != 0 {
			return misaligned(val, 2)
		}
		if !utils.FitsSigned(val, 13) {
			return overflow(val, 13)
		}
		writeBtype(loc, uint32(val))
	case object.RelocRISCVJal:
		val := int64(S + A - P)
		if val&1 != 0 {
			return misaligned(val, 2)
		}
		if !utils.FitsSigned(val, 21) {
			return overflow(val, 21)
		}
		writeJtype(loc, uint32(val))
	case object.RelocRISCVCall:
		val := int64(S + A - P)
		if !fitsHi20(val) {
			return overflow(val, 32)
		}
		writeUtype(loc, uint32(val))
		writeItype(loc[4:], uint32(val))
	case object.RelocRISCVPCRelHi20, object.RelocRISCVGotHi20:
		target := S + A
		if kind == object.RelocRISCVGotHi20 {
			target = G + A
		}
		val := int64(target - P)
		if !fitsHi20(val) {
			return overflow(val, 32)
		}
		writeUtype(loc, uint32(val))
	case object.RelocRISCVHi20:
		val := int64(S + A)
		if !fitsHi20(val) {
			return overflow(val, 32)
		}
		writeUtype(loc, uint32(val))
	case object.RelocRISCVLo12I, object.RelocRISCVLo12S:
		val := S + A
		if kind == object.RelocRISCVLo12I {
			writeItype(loc, uint32(val))
		} else {
			writeStype(loc, uint32(val))
		}

		// The paired LUI produced zero, so address from x0.
		if utils.SignExtend(val, 11) == val {
			setRs1(loc, 0)
		}
	case object.RelocRISCVRVCBranch:
		val := int64(S + A - P)
		if val&1 != 0 {
			return misaligned(val, 2)
		}
		if !utils.FitsSigned(val, 9) {
			return overflow(val, 9)
		}
		writeCBtype(loc, uint16(val))
	case object.RelocRISCVRVCJump:
		val := int64(S + A - P)
		if val&1 != 0 {
			return misaligned(val, 2)
		}
		if !utils.FitsSigned(val, 12) {
			return overflow(val, 12)
		}
		writeCJtype(loc, uint16(val))
	default:
		return &OutputError{Kind: UnsupportedRelocation}
	}
	return nil
}

func writeRISCVLo12(loc []byte, kind object.RelocKind, val uint32) {
	if kind == object.RelocRISCVPCRelLo12I {
		writeItype(loc, val)
	} else {
		writeStype(loc, val)
	}
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func writeItype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|itype(val))
}

func writeStype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|stype(val))
}

func writeBtype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|btype(val))
}

func writeUtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|utype(val))
}

func writeJtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|jtype(val))
}

func writeCBtype(loc []byte, val uint16) {
	mask := uint16(0b111_000_111_00000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cbtype(val))
}

func writeCJtype(loc []byte, val uint16) {
	mask := uint16(0b111_00000000000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cjtype(val))
}

func setRs1(loc []byte, rs1 uint32) {
	utils.Write[uint32](loc, utils.Read[uint32](loc)&0b111111_11111_00000_111_11111_1111111)
	utils.Write[uint32](loc, utils.Read[uint32](loc)|(rs1<<15))
}
