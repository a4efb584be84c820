package linker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/object/archive"
	"github.com/ksco/weld/pkg/utils"
)

// arInput packs members into a GNU archive.
func arInput(name string, members ...Input) Input {
	var b bytes.Buffer
	b.WriteString(archive.Magic)
	for _, m := range members {
		if b.Len()%2 == 1 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", m.Name+"/", "0", "0", "0", "644", len(m.Contents))
		b.Write(m.Contents)
	}
	return Input{Name: name, Contents: b.Bytes(), IsArchive: true}
}

func TestArchiveMembersArePulledOnDemand(t *testing.T) {
	lib := arInput("libf.a",
		elfInput(t, "f2.o", funcObject("f2")),
		elfInput(t, "f1.o", funcObject("f1", "f2")),
		elfInput(t, "unused.o", funcObject("unused", "missing")),
	)
	buf, _ := link(t, []Input{elfInput(t, "main.o", callerObject("f1")), lib}, Options{})
	img := openELF(t, buf)

	for _, name := range []string{"f1", "f2"} {
		img.addr(t, name)
	}
	if _, ok := img.syms["unused"]; ok {
		t.Error("a member nothing referenced was linked")
	}
}

func TestArchiveSearchesForwardOnly(t *testing.T) {
	lib := arInput("libf.a", elfInput(t, "f1.o", funcObject("f1")))
	_, err := Link(context.Background(),
		[]Input{lib, elfInput(t, "main.o", callerObject("f1"))}, Options{}, &bytes.Buffer{})
	if !errors.Is(err, &MergeError{Kind: UnresolvedSymbol, Symbol: "f1"}) {
		t.Errorf("got error %v, want undefined symbol f1", err)
	}
}

func TestUnusedArchiveMembersAreNotChecked(t *testing.T) {
	rv := funcObject("rvonly")
	rv.Arch = object.ArchRISCV64
	rv.Sections[0].Data = []byte{0x67, 0x80, 0x00, 0x00}
	rv.Sections[0].Size = 4
	lib := arInput("libmixed.a",
		Input{Name: "README", Contents: []byte("not an object file at all")},
		elfInput(t, "rv.o", rv),
		elfInput(t, "f1.o", funcObject("f1")),
	)
	buf, _ := link(t, []Input{elfInput(t, "main.o", callerObject("f1")), lib}, Options{})
	img := openELF(t, buf)
	img.addr(t, "f1")
	if _, ok := img.syms["rvonly"]; ok {
		t.Error("the foreign member was linked")
	}
}

func TestPulledArchiveMemberMustMatchTarget(t *testing.T) {
	rv := funcObject("f1")
	rv.Arch = object.ArchRISCV64
	rv.Sections[0].Data = []byte{0x67, 0x80, 0x00, 0x00}
	rv.Sections[0].Size = 4
	lib := arInput("librv.a", elfInput(t, "rv.o", rv))

	_, err := Link(context.Background(),
		[]Input{elfInput(t, "main.o", callerObject("f1")), lib}, Options{}, &bytes.Buffer{})
	var pe *object.ParseError
	if !errors.As(err, &pe) || pe.Cause != object.CauseIncompatible || pe.Input != "librv.a(rv.o)" {
		t.Errorf("got error %v, want an incompatible librv.a(rv.o)", err)
	}
}

func TestUnreadableArchiveMemberIsNeverPulled(t *testing.T) {
	lib := arInput("libbad.a", Input{Name: "broken.o", Contents: []byte("\x7fELF truncated")})
	_, err := Link(context.Background(),
		[]Input{elfInput(t, "main.o", callerObject("f1")), lib}, Options{}, &bytes.Buffer{})
	if !errors.Is(err, &MergeError{Kind: UnresolvedSymbol, Symbol: "f1"}) {
		t.Errorf("got error %v, want undefined symbol f1", err)
	}
}

func TestArchiveMemberNames(t *testing.T) {
	lib := arInput("libdup.a",
		elfInput(t, "a.o", funcObject("f1")),
		elfInput(t, "b.o", funcObject("f1")),
	)
	main := elfInput(t, "main.o", callerObject("f1"))
	other := elfInput(t, "other.o", funcObject("f1"))

	_, err := Link(context.Background(), []Input{main, lib, other}, Options{}, &bytes.Buffer{})
	var me *MergeError
	if !errors.As(err, &me) || me.Kind != DuplicateSymbol {
		t.Fatalf("got error %v, want a duplicate symbol", err)
	}
	if diff := cmp.Diff([]string{"libdup.a(a.o)", "other.o"}, me.Files); diff != "" {
		t.Errorf("defining files mismatch (-want +got):\n%s", diff)
	}
}

func TestWeakReferenceResolvesToZero(t *testing.T) {
	weak := pointerObject("ptr", "maybe")
	weak.Symbols[1].Binding = object.BindWeak
	lib := arInput("libm.a", elfInput(t, "maybe.o", dataObject("maybe", ".data", object.KindData, object.BindGlobal, 1)))
	inputs := []Input{
		elfInput(t, "start.o", funcObject("_start")),
		elfInput(t, "main.o", weak),
		lib,
	}
	buf, res := link(t, inputs, Options{})
	img := openELF(t, buf)

	if got := utils.Read[uint64](img.read(t, img.addr(t, "ptr"), 8)); got != 0 {
		t.Errorf("weak reference resolved to %#x", got)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("got unresolved %v", res.Unresolved)
	}
	if s, ok := img.syms["maybe"]; ok && s.Section != 0 {
		t.Error("a weak reference pulled an archive member")
	}
}

func TestCommonSymbolsMerge(t *testing.T) {
	common := func(size, align uint64) *object.Image {
		return &object.Image{
			Symbols: []object.Symbol{
				{Name: "buf", Binding: object.BindCommon, Section: object.SectionUndef, Value: align, Size: size},
			},
		}
	}
	inputs := []Input{
		elfInput(t, "start.o", funcObject("_start")),
		elfInput(t, "a.o", common(8, 8)),
		elfInput(t, "b.o", common(32, 16)),
		elfInput(t, "c.o", common(16, 4)),
		elfInput(t, "main.o", pointerObject("ptr", "buf")),
	}
	buf, res := link(t, inputs, Options{})
	img := openELF(t, buf)

	sym := img.syms["buf"]
	if sym.Size != 32 || sym.Value%16 != 0 {
		t.Errorf("buf at %#x with size %d, want 16-aligned with size 32", sym.Value, sym.Size)
	}
	if got := utils.Read[uint64](img.read(t, img.addr(t, "ptr"), 8)); got != sym.Value {
		t.Errorf("ptr holds %#x, buf is at %#x", got, sym.Value)
	}

	var bss *PlacedSection
	for _, ps := range res.Plan.Sections() {
		if ps.Name == ".bss" {
			bss = ps
		}
	}
	if bss == nil || bss.Kind != object.KindZeroFill || bss.Size != 32 || bss.Align != 16 {
		t.Errorf("got common storage %+v", bss)
	}
}

// mergeObject is a one-symbol object for driving the symbol table directly.
func mergeObject(name string, prio int, sym object.Symbol) *ObjectFile {
	obj := &object.InputObject{
		Format: object.FormatELF,
		Arch:   object.ArchX86_64,
		Type:   object.FileRelocatable,
		Sections: []object.Section{
			{Name: ".data", Kind: object.KindData, Align: 8, Size: 16, Data: make([]byte, 16)},
		},
		Symbols: []object.Symbol{sym},
	}
	return NewObjectFile(name, obj, prio, -1)
}

func TestSymbolTableMerge(t *testing.T) {
	strong := object.Symbol{Name: "x", Binding: object.BindGlobal, Section: 0, Size: 8}
	weak := object.Symbol{Name: "x", Binding: object.BindWeak, Section: 0, Value: 8, Size: 8}
	common := func(size, align uint64) object.Symbol {
		return object.Symbol{Name: "x", Binding: object.BindCommon, Section: object.SectionUndef,
			Value: align, Size: size}
	}

	tests := []struct {
		name      string
		syms      []object.Symbol
		winner    string
		size      uint64
		align     uint64
		duplicate bool
	}{
		{name: "strong then weak", syms: []object.Symbol{strong, weak}, winner: "0.o", size: 8},
		{name: "weak then strong", syms: []object.Symbol{weak, strong}, winner: "1.o", size: 8},
		{name: "weak then weak", syms: []object.Symbol{weak, weak}, winner: "0.o", size: 8},
		{name: "strong then strong", syms: []object.Symbol{strong, strong}, duplicate: true},
		{name: "larger common wins", syms: []object.Symbol{common(8, 4), common(24, 8)}, winner: "1.o", size: 24, align: 8},
		{name: "equal commons keep the first", syms: []object.Symbol{common(8, 16), common(8, 4)}, winner: "0.o", size: 8, align: 16},
		{name: "alignment is the maximum", syms: []object.Symbol{common(32, 4), common(8, 64)}, winner: "0.o", size: 32, align: 64},
		{name: "strong beats common", syms: []object.Symbol{common(64, 8), strong}, winner: "1.o", size: 8},
		{name: "common beats weak", syms: []object.Symbol{weak, common(4, 4)}, winner: "1.o", size: 4, align: 4},
		{name: "weak does not beat common", syms: []object.Symbol{common(4, 4), weak}, winner: "0.o", size: 4, align: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewContext(Options{})
			var files []*ObjectFile
			for i, sym := range tt.syms {
				files = append(files, mergeObject(fmt.Sprintf("%d.o", i), i, sym))
			}

			err := ResolveSymbols(ctx, files)
			if tt.duplicate {
				want := &MergeError{Kind: DuplicateSymbol, Symbol: "x", Files: []string{"0.o", "1.o"}}
				if diff := cmp.Diff(want, err); diff != "" {
					t.Errorf("error mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveSymbols failed: %v", err)
			}

			sym := ctx.Symtab.Lookup("x")
			if sym.File.Name != tt.winner || sym.Size != tt.size || sym.Align != tt.align {
				t.Errorf("got %s size %d align %d, want %s size %d align %d",
					sym.File.Name, sym.Size, sym.Align, tt.winner, tt.size, tt.align)
			}
		})
	}
}

func TestLocalsStayOutOfTheSymbolTable(t *testing.T) {
	local := object.Symbol{Name: "x", Binding: object.BindLocal, Section: 0}
	ctx := NewContext(Options{})
	files := []*ObjectFile{mergeObject("0.o", 0, local), mergeObject("1.o", 1, local)}
	if err := ResolveSymbols(ctx, files); err != nil {
		t.Fatalf("ResolveSymbols failed: %v", err)
	}
	if sym := ctx.Symtab.Lookup("x"); sym != nil {
		t.Errorf("local x entered the symbol table: %+v", sym)
	}
	if files[0].Symbols[0] == files[1].Symbols[0] {
		t.Error("two locals share one symbol")
	}
}

func TestUnresolvedListsEveryName(t *testing.T) {
	undef := func(name string) object.Symbol {
		return object.Symbol{Name: name, Binding: object.BindGlobal, Section: object.SectionUndef}
	}
	ctx := NewContext(Options{})
	files := []*ObjectFile{
		mergeObject("a.o", 0, undef("b")),
		mergeObject("c.o", 1, undef("a")),
		mergeObject("d.o", 2, object.Symbol{Name: "w", Binding: object.BindWeak, Section: object.SectionUndef}),
	}
	want := &MergeError{Kind: UnresolvedSymbol, Symbol: "b", Files: []string{"a.o"}, Others: []string{"a"}}
	if diff := cmp.Diff(want, ResolveSymbols(ctx, files)); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}

	ctx = NewContext(Options{AllowUnresolved: true})
	files = []*ObjectFile{
		mergeObject("a.o", 0, undef("b")),
		mergeObject("c.o", 1, undef("a")),
	}
	if err := ResolveSymbols(ctx, files); err != nil {
		t.Fatalf("ResolveSymbols failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a"}, ctx.Unresolved); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
}
