package elf

import (
	"debug/elf"

	"github.com/ksco/weld/pkg/object"
)

type relocPair struct {
	native uint32
	kind   object.RelocKind
}

// The first entry for a kind is the one used when writing it back out.
var relocTables = map[object.Arch][]relocPair{
	object.ArchX86_64: {
		{uint32(elf.R_X86_64_NONE), object.RelocNone},
		{uint32(elf.R_X86_64_64), object.RelocAbs64},
		{uint32(elf.R_X86_64_PC32), object.RelocPCRel32},
		{uint32(elf.R_X86_64_PLT32), object.RelocPCRel32},
		{uint32(elf.R_X86_64_GOTPCREL), object.RelocGOTPCRel32},
		{uint32(elf.R_X86_64_GOTPCRELX), object.RelocGOTPCRel32},
		{uint32(elf.R_X86_64_REX_GOTPCRELX), object.RelocGOTPCRel32},
		{uint32(elf.R_X86_64_32), object.RelocAbs32},
		{uint32(elf.R_X86_64_32S), object.RelocAbs32S},
		{uint32(elf.R_X86_64_PC64), object.RelocPCRel64},
	},
	object.ArchAArch64: {
		{uint32(elf.R_AARCH64_NONE), object.RelocNone},
		{uint32(elf.R_AARCH64_ABS64), object.RelocAbs64},
		{uint32(elf.R_AARCH64_ABS32), object.RelocAbs32},
		{uint32(elf.R_AARCH64_PREL32), object.RelocPCRel32},
		{uint32(elf.R_AARCH64_PREL64), object.RelocPCRel64},
		{uint32(elf.R_AARCH64_CALL26), object.RelocAArch64Call26},
		{uint32(elf.R_AARCH64_JUMP26), object.RelocAArch64Call26},
		{uint32(elf.R_AARCH64_ADR_PREL_PG_HI21), object.RelocAArch64AdrPage21},
		{uint32(elf.R_AARCH64_ADD_ABS_LO12_NC), object.RelocAArch64AddLo12},
		{uint32(elf.R_AARCH64_LDST8_ABS_LO12_NC), object.RelocAArch64Ldst8Lo12},
		{uint32(elf.R_AARCH64_LDST16_ABS_LO12_NC), object.RelocAArch64Ldst16Lo12},
		{uint32(elf.R_AARCH64_LDST32_ABS_LO12_NC), object.RelocAArch64Ldst32Lo12},
		{uint32(elf.R_AARCH64_LDST64_ABS_LO12_NC), object.RelocAArch64Ldst64Lo12},
		{uint32(elf.R_AARCH64_LDST128_ABS_LO12_NC), object.RelocAArch64Ldst128Lo12},
		{uint32(elf.R_AARCH64_ADR_GOT_PAGE), object.RelocAArch64GotPage21},
		{uint32(elf.R_AARCH64_LD64_GOT_LO12_NC), object.RelocAArch64GotLo12},
	},
	object.ArchRISCV64: {
		{uint32(elf.R_RISCV_NONE), object.RelocNone},
		{uint32(elf.R_RISCV_64), object.RelocAbs64},
		{uint32(elf.R_RISCV_32), object.RelocAbs32},
		{uint32(elf.R_RISCV_32_PCREL), object.RelocPCRel32},
		{uint32(elf.R_RISCV_BRANCH), object.RelocRISCVBranch},
		{uint32(elf.R_RISCV_JAL), object.RelocRISCVJal},
		{uint32(elf.R_RISCV_CALL_PLT), object.RelocRISCVCall},
		{uint32(elf.R_RISCV_CALL), object.RelocRISCVCall},
		{uint32(elf.R_RISCV_GOT_HI20), object.RelocRISCVGotHi20},
		{uint32(elf.R_RISCV_PCREL_HI20), object.RelocRISCVPCRelHi20},
		{uint32(elf.R_RISCV_PCREL_LO12_I), object.RelocRISCVPCRelLo12I},
		{uint32(elf.R_RISCV_PCREL_LO12_S), object.RelocRISCVPCRelLo12S},
		{uint32(elf.R_RISCV_HI20), object.RelocRISCVHi20},
		{uint32(elf.R_RISCV_LO12_I), object.RelocRISCVLo12I},
		{uint32(elf.R_RISCV_LO12_S), object.RelocRISCVLo12S},
		{uint32(elf.R_RISCV_RVC_BRANCH), object.RelocRISCVRVCBranch},
		{uint32(elf.R_RISCV_RVC_JUMP), object.RelocRISCVRVCJump},
		{uint32(elf.R_RISCV_ADD8), object.RelocAdd8},
		{uint32(elf.R_RISCV_ADD16), object.RelocAdd16},
		{uint32(elf.R_RISCV_ADD32), object.RelocAdd32},
		{uint32(elf.R_RISCV_ADD64), object.RelocAdd64},
		{uint32(elf.R_RISCV_SUB8), object.RelocSub8},
		{uint32(elf.R_RISCV_SUB16), object.RelocSub16},
		{uint32(elf.R_RISCV_SUB32), object.RelocSub32},
		{uint32(elf.R_RISCV_SUB64), object.RelocSub64},
		// No relaxation is performed, so the hints are dropped.
		{uint32(elf.R_RISCV_RELAX), object.RelocNone},
		{uint32(elf.R_RISCV_ALIGN), object.RelocNone},
	},
}

func relocKind(arch object.Arch, native uint32) (object.RelocKind, bool) {
	for _, p := range relocTables[arch] {
		if p.native == native {
			return p.kind, true
		}
	}
	return object.RelocNone, false
}

func nativeReloc(arch object.Arch, kind object.RelocKind) (uint32, bool) {
	for _, p := range relocTables[arch] {
		if p.kind == kind {
			return p.native, true
		}
	}
	return 0, false
}

func relocName(arch object.Arch, native uint32) string {
	switch arch {
	case object.ArchX86_64:
		return elf.R_X86_64(native).String()
	case object.ArchAArch64:
		return elf.R_AARCH64(native).String()
	case object.ArchRISCV64:
		return elf.R_RISCV(native).String()
	}
	return "unknown"
}
