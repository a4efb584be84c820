package object

import "fmt"

// RelocKind is a format-agnostic relocation encoding. Parsers map native
// relocation types onto these; the linker owns the formulas.
type RelocKind uint16

const (
	RelocNone RelocKind = iota

	// S + A
	RelocAbs64
	RelocAbs32
	RelocAbs32S

	// S + A - P
	RelocPCRel32
	RelocPCRel64

	// G + A - P, G being the symbol's GOT slot
	RelocGOTPCRel32

	// *loc += S + A, *loc -= S + A
	RelocAdd8
	RelocAdd16
	RelocAdd32
	RelocAdd64
	RelocSub8
	RelocSub16
	RelocSub32
	RelocSub64

	RelocAArch64Call26
	RelocAArch64AdrPage21
	RelocAArch64AddLo12
	RelocAArch64Ldst8Lo12
	RelocAArch64Ldst16Lo12
	RelocAArch64Ldst32Lo12
	RelocAArch64Ldst64Lo12
	RelocAArch64Ldst128Lo12
	RelocAArch64GotPage21
	RelocAArch64GotLo12

	RelocRISCVBranch
	RelocRISCVJal
	RelocRISCVCall
	RelocRISCVPCRelHi20
	RelocRISCVPCRelLo12I
	RelocRISCVPCRelLo12S
	RelocRISCVGotHi20
	RelocRISCVHi20
	RelocRISCVLo12I
	RelocRISCVLo12S
	RelocRISCVRVCBranch
	RelocRISCVRVCJump

	numRelocKinds
)

var relocNames = [numRelocKinds]string{
	RelocNone:               "none",
	RelocAbs64:              "abs64",
	RelocAbs32:              "abs32",
	RelocAbs32S:             "abs32s",
	RelocPCRel32:            "pcrel32",
	RelocPCRel64:            "pcrel64",
	RelocGOTPCRel32:         "gotpcrel32",
	RelocAdd8:               "add8",
	RelocAdd16:              "add16",
	RelocAdd32:              "add32",
	RelocAdd64:              "add64",
	RelocSub8:               "sub8",
	RelocSub16:              "sub16",
	RelocSub32:              "sub32",
	RelocSub64:              "sub64",
	RelocAArch64Call26:      "aarch64-call26",
	RelocAArch64AdrPage21:   "aarch64-adr-page21",
	RelocAArch64AddLo12:     "aarch64-add-lo12",
	RelocAArch64Ldst8Lo12:   "aarch64-ldst8-lo12",
	RelocAArch64Ldst16Lo12:  "aarch64-ldst16-lo12",
	RelocAArch64Ldst32Lo12:  "aarch64-ldst32-lo12",
	RelocAArch64Ldst64Lo12:  "aarch64-ldst64-lo12",
	RelocAArch64Ldst128Lo12: "aarch64-ldst128-lo12",
	RelocAArch64GotPage21:   "aarch64-got-page21",
	RelocAArch64GotLo12:     "aarch64-got-lo12",
	RelocRISCVBranch:        "riscv-branch",
	RelocRISCVJal:           "riscv-jal",
	RelocRISCVCall:          "riscv-call",
	RelocRISCVPCRelHi20:     "riscv-pcrel-hi20",
	RelocRISCVPCRelLo12I:    "riscv-pcrel-lo12-i",
	RelocRISCVPCRelLo12S:    "riscv-pcrel-lo12-s",
	RelocRISCVGotHi20:       "riscv-got-hi20",
	RelocRISCVHi20:          "riscv-hi20",
	RelocRISCVLo12I:         "riscv-lo12-i",
	RelocRISCVLo12S:         "riscv-lo12-s",
	RelocRISCVRVCBranch:     "riscv-rvc-branch",
	RelocRISCVRVCJump:       "riscv-rvc-jump",
}

func (k RelocKind) String() string {
	if k < numRelocKinds {
		return relocNames[k]
	}
	return fmt.Sprintf("RelocKind(%d)", uint16(k))
}

// Size returns the number of bytes the relocation reads and writes.
func (k RelocKind) Size() int {
	switch k {
	case RelocNone:
		return 0
	case RelocAbs64, RelocPCRel64, RelocAdd64, RelocSub64, RelocRISCVCall:
		return 8
	case RelocAdd8, RelocSub8:
		return 1
	case RelocAdd16, RelocSub16, RelocRISCVRVCBranch, RelocRISCVRVCJump:
		return 2
	}
	return 4
}

// IsGOT reports whether the kind addresses the symbol's GOT slot.
func (k RelocKind) IsGOT() bool {
	switch k {
	case RelocGOTPCRel32, RelocAArch64GotPage21, RelocAArch64GotLo12, RelocRISCVGotHi20:
		return true
	}
	return false
}

// IsPCRel reports whether the kind subtracts the relocation site address.
func (k RelocKind) IsPCRel() bool {
	switch k {
	case RelocPCRel32, RelocPCRel64, RelocGOTPCRel32,
		RelocAArch64Call26, RelocAArch64AdrPage21, RelocAArch64GotPage21,
		RelocRISCVBranch, RelocRISCVJal, RelocRISCVCall,
		RelocRISCVPCRelHi20, RelocRISCVGotHi20,
		RelocRISCVRVCBranch, RelocRISCVRVCJump:
		return true
	}
	return false
}
