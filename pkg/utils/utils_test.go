package utils

import (
	"encoding/binary"
	"testing"
)

func TestAlignTo(t *testing.T) {
	tests := []struct {
		val, align, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 4096, 4096},
		{5, 0, 5},
		{5, 1, 5},
	}
	for _, tt := range tests {
		if got := AlignTo(tt.val, tt.align); got != tt.want {
			t.Errorf("AlignTo(%d, %d) = %d, want %d", tt.val, tt.align, got, tt.want)
		}
	}
}

func TestFitsSigned(t *testing.T) {
	if !FitsSigned(1<<31-1, 32) || FitsSigned(1<<31, 32) {
		t.Error("upper bound of int32 misjudged")
	}
	if !FitsSigned(-(1<<31), 32) || FitsSigned(-(1<<31)-1, 32) {
		t.Error("lower bound of int32 misjudged")
	}
	if !FitsSigned(-1, 64) {
		t.Error("64-bit values always fit")
	}
	if !FitsUnsigned(1<<32-1, 32) || FitsUnsigned(1<<32, 32) {
		t.Error("uint32 bound misjudged")
	}
}

func TestBits(t *testing.T) {
	if got := Bits[uint32](0b1011_0000, 7, 4); got != 0b1011 {
		t.Errorf("Bits = %b", got)
	}
	if got := Bit[uint32](0b100, 2); got != 1 {
		t.Errorf("Bit = %d", got)
	}
	if got := SignExtend(0x800, 11); got != 0xffff_ffff_ffff_f800 {
		t.Errorf("SignExtend = %#x", got)
	}
}

func TestReadWriteOrder(t *testing.T) {
	type pair struct {
		A uint16
		B uint32
	}
	buf := make([]byte, 6)
	WriteOrder(buf, pair{A: 0x0102, B: 0x03040506}, binary.BigEndian)
	if buf[0] != 0x01 || buf[5] != 0x06 {
		t.Fatalf("big endian layout wrong: % x", buf)
	}
	got := ReadOrder[pair](buf, binary.BigEndian)
	if got.A != 0x0102 || got.B != 0x03040506 {
		t.Errorf("ReadOrder = %+v", got)
	}
	vals := ReadSlice[uint16]([]byte{1, 0, 2, 0, 3}, 2, binary.LittleEndian)
	if len(vals) != 2 || vals[1] != 2 {
		t.Errorf("ReadSlice = %v", vals)
	}
}

func TestCString(t *testing.T) {
	tab := []byte("\x00foo\x00bar\x00")
	if s, ok := CString(tab, 1); !ok || s != "foo" {
		t.Errorf("CString(1) = %q, %v", s, ok)
	}
	if _, ok := CString(tab, 42); ok {
		t.Error("out of range offset accepted")
	}
	if _, ok := CString([]byte("abc"), 0); ok {
		t.Error("unterminated string accepted")
	}
}

func TestRemoveIf(t *testing.T) {
	got := RemoveIf([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("RemoveIf = %v", got)
	}
	if s, ok := RemovePrefix("-lc", "-l"); !ok || s != "c" {
		t.Errorf("RemovePrefix = %q, %v", s, ok)
	}
}
