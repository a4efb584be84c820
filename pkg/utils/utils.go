package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Fatal prints a fatal diagnostic and exits. Only the driver may call it,
// library code returns errors instead.
func Fatal(v any) {
	fmt.Fprintf(os.Stderr, "weld:\n\t\033[0;1;31mfatal\033[0m: %v\n", v)
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err.Error())
	}
}

// Read decodes a T from the front of data in little endian. The caller must
// have checked that data is long enough.
func Read[T any](data []byte) (val T) {
	return ReadOrder[T](data, binary.LittleEndian)
}

func ReadOrder[T any](data []byte, order binary.ByteOrder) (val T) {
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, order, &val); err != nil {
		panic(fmt.Sprintf("utils.Read: %v", err))
	}
	return val
}

// ReadSlice decodes consecutive entries of size sz.
func ReadSlice[T any](data []byte, sz int, order binary.ByteOrder) []T {
	nums := len(data) / sz
	res := make([]T, 0, nums)
	for nums > 0 {
		res = append(res, ReadOrder[T](data, order))
		data = data[sz:]
		nums--
	}
	return res
}

func Write[T any](data []byte, e T) {
	WriteOrder(data, e, binary.LittleEndian)
}

func WriteOrder[T any](data []byte, e T, order binary.ByteOrder) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, e); err != nil {
		panic(fmt.Sprintf("utils.Write: %v", err))
	}
	copy(data, buf.Bytes())
}

// AlignTo rounds val up to a multiple of align, which must be zero or a
// power of two.
func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Bit returns bit pos of val.
func Bit[T uint16 | uint32 | uint64](val T, pos int) T {
	return (val >> pos) & 1
}

// Bits returns bits [lo, hi] of val, shifted down to bit 0.
func Bits[T uint16 | uint32 | uint64](val T, hi, lo int) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// SignExtend treats bit size of val as the sign bit.
func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

// FitsSigned reports whether val is representable as a bits-wide two's
// complement integer.
func FitsSigned(val int64, bits int) bool {
	if bits >= 64 {
		return true
	}
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return val >= lo && val <= hi
}

func FitsUnsigned(val uint64, bits int) bool {
	if bits >= 64 {
		return true
	}
	return val < uint64(1)<<bits
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}

	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}

	return s, false
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}

	return b == 0
}

// CString returns the NUL terminated string starting at offset.
func CString(data []byte, offset uint32) (string, bool) {
	if uint64(offset) >= uint64(len(data)) {
		return "", false
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end < 0 {
		return "", false
	}
	return string(data[offset : int(offset)+end]), true
}
