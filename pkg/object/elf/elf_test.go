package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

func relocatableImage() *object.Image {
	text := []byte{0xe8, 0, 0, 0, 0, 0xc3} // call foo; ret
	return &object.Image{
		Kind: object.OutputRelocatable,
		Arch: object.ArchX86_64,
		Sections: []object.ImageSection{
			{Name: ".text", Kind: object.KindCode, Align: 16, Size: 6, Data: text,
				Relocs: []object.Relocation{{Offset: 1, Kind: object.RelocPCRel32, Symbol: 3, Addend: -4}}},
			{Name: ".data", Kind: object.KindData, Align: 8, Size: 8, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			{Name: ".bss", Kind: object.KindZeroFill, Align: 32, Size: 64},
			{Name: ".comment", Kind: object.KindOther, Align: 1, Size: 3, Data: []byte("hi\x00")},
		},
		Symbols: []object.Symbol{
			{Name: "helper", Binding: object.BindLocal, Type: object.SymFunc, Section: 0, Size: 6},
			{Name: "_start", Binding: object.BindGlobal, Type: object.SymFunc, Section: 0, Size: 6},
			{Name: "counter", Binding: object.BindWeak, Type: object.SymObject, Section: 2, Value: 8, Size: 8},
			{Name: "foo", Binding: object.BindGlobal, Section: object.SectionUndef},
		},
	}
}

func emit(t *testing.T, img *object.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := (Format{}).Emit(&buf, img); err != nil {
		t.Fatalf("Failed to emit ELF: %v", err)
	}
	return buf.Bytes()
}

func wantCause(t *testing.T, err error, cause object.Cause) {
	t.Helper()
	var pe *object.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got error %v, want a ParseError", err)
	}
	if pe.Cause != cause {
		t.Fatalf("got cause %q (%v), want %q", pe.Cause, err, cause)
	}
}

func TestRelocatableRoundTrip(t *testing.T) {
	buf := emit(t, relocatableImage())

	obj, err := object.Parse(buf, object.FormatUnknown)
	if err != nil {
		t.Fatalf("Failed to parse emitted object: %v", err)
	}
	if obj.Format != object.FormatELF || obj.Arch != object.ArchX86_64 || obj.Type != object.FileRelocatable {
		t.Fatalf("got format %s arch %s type %d", obj.Format, obj.Arch, obj.Type)
	}

	wantSections := []object.Section{
		{Name: ".text", Kind: object.KindCode, Align: 16, Size: 6, Data: []byte{0xe8, 0, 0, 0, 0, 0xc3}},
		{Name: ".data", Kind: object.KindData, Align: 8, Size: 8, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Name: ".bss", Kind: object.KindZeroFill, Align: 32, Size: 64},
		{Name: ".comment", Kind: object.KindOther, Align: 1, Size: 3, Data: []byte("hi\x00")},
	}
	if diff := cmp.Diff(wantSections, obj.Sections,
		cmpopts.IgnoreFields(object.Section{}, "Flags"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}

	wantSymbols := []object.Symbol{
		{Section: object.SectionUndef},
		{Name: "helper", Binding: object.BindLocal, Type: object.SymFunc, Section: 0, Size: 6},
		{Name: "_start", Binding: object.BindGlobal, Type: object.SymFunc, Section: 0, Size: 6},
		{Name: "counter", Binding: object.BindWeak, Type: object.SymObject, Section: 2, Value: 8, Size: 8},
		{Name: "foo", Binding: object.BindGlobal, Section: object.SectionUndef},
	}
	if diff := cmp.Diff(wantSymbols, obj.Symbols); diff != "" {
		t.Errorf("symbols mismatch (-want +got):\n%s", diff)
	}

	wantRelocs := []object.Relocation{
		{Section: 0, Offset: 1, Kind: object.RelocPCRel32, Symbol: 4, Addend: -4},
	}
	if diff := cmp.Diff(wantRelocs, obj.Relocations); diff != "" {
		t.Errorf("relocations mismatch (-want +got):\n%s", diff)
	}
}

func TestRelocatableMatchesDebugELF(t *testing.T) {
	buf := emit(t, relocatableImage())

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("debug/elf rejected the object: %v", err)
	}
	if f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 {
		t.Errorf("got type %s machine %s", f.Type, f.Machine)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Failed to read symbols: %v", err)
	}
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"helper", "_start", "counter", "foo"}, names); diff != "" {
		t.Errorf("symbol names mismatch (-want +got):\n%s", diff)
	}

	rela := f.Section(".rela.text")
	if rela == nil {
		t.Fatal("missing .rela.text")
	}
	if got := f.Sections[rela.Info].Name; got != ".text" {
		t.Errorf(".rela.text applies to %q", got)
	}
	data, err := rela.Data()
	if err != nil {
		t.Fatalf("Failed to read .rela.text: %v", err)
	}
	r := utils.Read[Rela](data)
	if elf.R_X86_64(r.Type()) != elf.R_X86_64_PC32 || r.Offset != 1 || r.Addend != -4 {
		t.Errorf("got relocation %+v", r)
	}
	if name := syms[r.Sym()-1].Name; name != "foo" {
		t.Errorf("relocation references %q, want foo", name)
	}

	if s := f.Section(".text"); s.Offset%16 != 0 {
		t.Errorf(".text at offset %#x is not 16-byte aligned", s.Offset)
	}
}

func executableImage() *object.Image {
	return &object.Image{
		Kind:  object.OutputExecutable,
		Arch:  object.ArchAArch64,
		Entry: 0x201000,
		Segments: []object.ImageSegment{
			{Name: "code", Kind: object.KindCode, Addr: 0x201000, Offset: 0x1000, FileSize: 8, MemSize: 8, Align: 0x1000, Sections: []int{0}},
			{Name: "data", Kind: object.KindData, Addr: 0x202000, Offset: 0x2000, FileSize: 8, MemSize: 8, Align: 0x1000, Sections: []int{1}},
			{Name: "zerofill", Kind: object.KindZeroFill, Addr: 0x203000, Offset: 0x3000, MemSize: 0x40, Align: 0x1000, Sections: []int{2}},
		},
		Sections: []object.ImageSection{
			{Name: ".text", Kind: object.KindCode, Addr: 0x201000, Offset: 0x1000, Size: 8, Align: 4,
				Data: []byte{0x00, 0x00, 0x80, 0xd2, 0xc0, 0x03, 0x5f, 0xd6}},
			{Name: ".data", Kind: object.KindData, Addr: 0x202000, Offset: 0x2000, Size: 8, Align: 8,
				Data: []byte{8, 7, 6, 5, 4, 3, 2, 1}},
			{Name: ".bss", Kind: object.KindZeroFill, Addr: 0x203000, Offset: 0x3000, Size: 0x40, Align: 16},
		},
		Symbols: []object.Symbol{
			{Name: "_start", Binding: object.BindGlobal, Type: object.SymFunc, Section: 0, Value: 0x201000},
			{Name: "buf", Binding: object.BindGlobal, Type: object.SymObject, Section: 2, Value: 0x203010, Size: 16},
		},
	}
}

func TestExecutableProgramHeaders(t *testing.T) {
	buf := emit(t, executableImage())

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("debug/elf rejected the executable: %v", err)
	}
	if f.Type != elf.ET_EXEC || f.Machine != elf.EM_AARCH64 || f.Entry != 0x201000 {
		t.Fatalf("got type %s machine %s entry %#x", f.Type, f.Machine, f.Entry)
	}

	type prog struct {
		Flags         elf.ProgFlag
		Off, Vaddr    uint64
		Filesz, Memsz uint64
	}
	var got []prog
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			t.Errorf("unexpected program header %s", p.Type)
			continue
		}
		got = append(got, prog{p.Flags, p.Off, p.Vaddr, p.Filesz, p.Memsz})
	}
	want := []prog{
		{elf.PF_R | elf.PF_X, 0x1000, 0x201000, 8, 8},
		{elf.PF_R | elf.PF_W, 0x2000, 0x202000, 8, 8},
		{elf.PF_R | elf.PF_W, 0x3000, 0x203000, 0, 0x40},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("program headers mismatch (-want +got):\n%s", diff)
	}

	if !bytes.Equal(buf[0x1000:0x1008], executableImage().Sections[0].Data) {
		t.Errorf("code bytes not at their planned offset")
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Failed to read symbols: %v", err)
	}
	for _, s := range syms {
		if s.Name == "buf" && s.Value != 0x203010 {
			t.Errorf("buf at %#x, want 0x203010", s.Value)
		}
	}
}

func TestExecutableSymbolsBecomeSectionRelative(t *testing.T) {
	obj, err := object.Parse(emit(t, executableImage()), object.FormatELF)
	if err != nil {
		t.Fatalf("Failed to parse executable: %v", err)
	}
	if obj.Type != object.FileExecutable || obj.Entry != 0x201000 {
		t.Fatalf("got type %d entry %#x", obj.Type, obj.Entry)
	}
	for _, s := range obj.Symbols {
		if s.Name == "buf" && (s.Section != 2 || s.Value != 0x10) {
			t.Errorf("buf in section %d at %#x, want section 2 at 0x10", s.Section, s.Value)
		}
	}
}

func TestExtendedSectionNumbering(t *testing.T) {
	n := int(elf.SHN_LORESERVE) + 10
	img := &object.Image{Kind: object.OutputRelocatable, Arch: object.ArchRISCV64}
	for i := 0; i < n; i++ {
		img.Sections = append(img.Sections, object.ImageSection{
			Name: fmt.Sprintf(".note.%d", i), Kind: object.KindOther, Align: 1})
	}
	img.Sections[n-1].Size = 4
	img.Sections[n-1].Data = []byte{1, 2, 3, 4}
	img.Symbols = []object.Symbol{
		{Name: "last", Binding: object.BindGlobal, Section: n - 1, Value: 2},
	}
	buf := emit(t, img)

	if shnum := binary.LittleEndian.Uint16(buf[60:]); shnum != 0 {
		t.Fatalf("e_shnum = %d, want 0 with the count in section 0", shnum)
	}
	obj, err := object.Parse(buf, object.FormatELF)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(obj.Sections) != n {
		t.Fatalf("got %d sections, want %d", len(obj.Sections), n)
	}
	last := obj.Symbols[len(obj.Symbols)-1]
	if last.Name != "last" || last.Section != n-1 || last.Value != 2 {
		t.Errorf("got %+v", last)
	}
}

// shdrAt returns the file offset of section header idx.
func shdrAt(buf []byte, idx int) int {
	ehdr := utils.Read[Ehdr](buf)
	return int(ehdr.ShOff) + idx*ShdrSize
}

func patchShdr(buf []byte, idx int, fn func(*Shdr)) {
	off := shdrAt(buf, idx)
	shdr := utils.Read[Shdr](buf[off:])
	fn(&shdr)
	utils.Write[Shdr](buf[off:], shdr)
}

func sectionOffset(t *testing.T, buf []byte, name string) uint64 {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("debug/elf: %v", err)
	}
	return f.Section(name).Offset
}

func TestParseRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		patch func(t *testing.T, buf []byte) []byte
		cause object.Cause
	}{
		{"not elf", func(t *testing.T, buf []byte) []byte {
			return []byte("this is not an object file at all, not even close to one.............")
		}, object.CauseUnsupportedFormat},
		{"header truncated", func(t *testing.T, buf []byte) []byte {
			return buf[:EhdrSize-1]
		}, object.CauseTruncated},
		{"section table truncated", func(t *testing.T, buf []byte) []byte {
			return buf[:len(buf)-1]
		}, object.CauseTruncated},
		{"32-bit class", func(t *testing.T, buf []byte) []byte {
			buf[elf.EI_CLASS] = byte(elf.ELFCLASS32)
			return buf
		}, object.CauseUnsupportedFormat},
		{"big endian", func(t *testing.T, buf []byte) []byte {
			buf[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
			return buf
		}, object.CauseUnsupportedFeature},
		{"section table past end", func(t *testing.T, buf []byte) []byte {
			binary.LittleEndian.PutUint64(buf[40:], uint64(len(buf)+100))
			return buf
		}, object.CauseOutOfRange},
		{"section contents past end", func(t *testing.T, buf []byte) []byte {
			patchShdr(buf, 1, func(s *Shdr) { s.Offset = uint64(len(buf)) - 2 })
			return buf
		}, object.CauseOutOfRange},
		{"section name index", func(t *testing.T, buf []byte) []byte {
			patchShdr(buf, 1, func(s *Shdr) { s.Name = 0xffffff })
			return buf
		}, object.CauseBadStringIndex},
		{"symbol name index", func(t *testing.T, buf []byte) []byte {
			off := sectionOffset(t, buf, ".symtab") + uint64(SymSize)
			binary.LittleEndian.PutUint32(buf[off:], 0xffffff)
			return buf
		}, object.CauseBadStringIndex},
		{"bad alignment", func(t *testing.T, buf []byte) []byte {
			patchShdr(buf, 1, func(s *Shdr) { s.AddrAlign = 12 })
			return buf
		}, object.CauseInconsistent},
		{"compressed section", func(t *testing.T, buf []byte) []byte {
			patchShdr(buf, 1, func(s *Shdr) { s.Flags |= uint64(elf.SHF_COMPRESSED) })
			return buf
		}, object.CauseUnsupportedFeature},
		{"thread-local relocation", func(t *testing.T, buf []byte) []byte {
			off := sectionOffset(t, buf, ".rela.text") + 8
			binary.LittleEndian.PutUint32(buf[off:], uint32(elf.R_X86_64_TPOFF32))
			return buf
		}, object.CauseUnsupportedFeature},
		{"relocation past section end", func(t *testing.T, buf []byte) []byte {
			off := sectionOffset(t, buf, ".rela.text")
			binary.LittleEndian.PutUint64(buf[off:], 4)
			return buf
		}, object.CauseOutOfRange},
		{"relocation symbol index", func(t *testing.T, buf []byte) []byte {
			off := sectionOffset(t, buf, ".rela.text") + 12
			binary.LittleEndian.PutUint32(buf[off:], 99)
			return buf
		}, object.CauseOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.patch(t, emit(t, relocatableImage()))
			_, err := object.Parse(buf, object.FormatUnknown)
			if err == nil {
				t.Fatal("expected an error")
			}
			wantCause(t, err, tt.cause)
		})
	}
}

func TestParseDoesNotModifyInput(t *testing.T) {
	buf := emit(t, relocatableImage())
	orig := bytes.Clone(buf)
	if _, err := object.Parse(buf, object.FormatELF); err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if !bytes.Equal(buf, orig) {
		t.Error("parsing modified the input buffer")
	}
}

func TestRelocationTablesRoundTrip(t *testing.T) {
	for arch, pairs := range relocTables {
		for _, p := range pairs {
			if p.kind == object.RelocNone {
				continue
			}
			native, ok := nativeReloc(arch, p.kind)
			if !ok {
				t.Errorf("%s: %s has no native encoding", arch, p.kind)
				continue
			}
			if kind, _ := relocKind(arch, native); kind != p.kind {
				t.Errorf("%s: %s encodes as %s which decodes to %s",
					arch, p.kind, relocName(arch, native), kind)
			}
		}
	}
}
