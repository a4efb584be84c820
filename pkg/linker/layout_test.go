package linker

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ksco/weld/pkg/object"
)

func fakeChunk(name string, kind object.SectionKind, size, align uint64) *Chunk {
	c := NewChunk()
	c.Name = name
	c.Kind = kind
	c.Size = size
	c.Align = align
	return &c
}

func testChunks() []Chunker {
	return []Chunker{
		fakeChunk(".data", object.KindData, 0x10, 8),
		fakeChunk(".text", object.KindCode, 0x123, 16),
		fakeChunk(".comment", object.KindOther, 0x20, 1),
		fakeChunk(".text.hot", object.KindCode, 0x10, 64),
		fakeChunk(".rodata", object.KindReadOnly, 8, 8),
		fakeChunk(".bss", object.KindZeroFill, 0x100, 32),
	}
}

var elfParams = object.LayoutParams{ImageBase: 0x400000, PageSize: 0x1000}

func TestPlanLayout(t *testing.T) {
	chunks := testChunks()
	plan, err := PlanLayout(chunks, elfParams, 0x100, nil)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}

	var names []string
	for _, seg := range plan.Segments {
		names = append(names, seg.Name)
	}
	if diff := cmp.Diff([]string{"text", "rodata", "data", "bss"}, names); diff != "" {
		t.Errorf("segment order mismatch (-want +got):\n%s", diff)
	}

	text := plan.Segments[0]
	if text.Addr != 0x401000 || text.Offset != 0x1000 {
		t.Errorf("text at %#x offset %#x, want 0x401000 offset 0x1000", text.Addr, text.Offset)
	}
	hot := text.Sections[1]
	if hot.Name != ".text.hot" || hot.Addr != 0x401140 || hot.Padding != 0x1d {
		t.Errorf("got %+v, want .text.hot at 0x401140 after 0x1d bytes of padding", hot)
	}

	end := elfParams.ImageBase + 0x100
	for _, seg := range plan.Segments {
		if seg.Addr < end {
			t.Errorf("%s starts at %#x, below the previous end %#x", seg.Name, seg.Addr, end)
		}
		if seg.Addr%elfParams.PageSize != seg.Offset%elfParams.PageSize {
			t.Errorf("%s: address %#x and offset %#x are not congruent", seg.Name, seg.Addr, seg.Offset)
		}
		cur := seg.Addr
		for _, ps := range seg.Sections {
			if ps.Addr%ps.Align != 0 || ps.Addr < cur || ps.Addr-cur != ps.Padding {
				t.Errorf("%s misplaced: %+v after %#x", ps.Name, ps, cur)
			}
			if ps.Chunk.GetChunk().Addr != ps.Addr {
				t.Errorf("%s: chunk address was not updated", ps.Name)
			}
			cur = ps.Addr + ps.Size
		}
		end = seg.End()
	}

	bss := plan.Segments[3]
	if bss.FileSize != 0 || bss.MemSize != 0x100 {
		t.Errorf("bss takes %#x file bytes and %#x of memory", bss.FileSize, bss.MemSize)
	}

	if len(plan.Unallocated) != 1 {
		t.Fatalf("got %d unallocated sections", len(plan.Unallocated))
	}
	comment := plan.Unallocated[0]
	data := plan.Segments[2]
	if comment.Addr != 0 || comment.Offset < data.Offset+data.FileSize {
		t.Errorf(".comment at %#x offset %#x, data ends at offset %#x",
			comment.Addr, comment.Offset, data.Offset+data.FileSize)
	}
	if plan.FileSize != comment.Offset+comment.Size {
		t.Errorf("file size %#x, want %#x", plan.FileSize, comment.Offset+comment.Size)
	}
}

func TestPlanLayoutPins(t *testing.T) {
	tests := []struct {
		name     string
		pin      uint64
		wantData uint64
	}{
		{"page aligned", 0x600000, 0x600000},
		{"rounded up", 0x600010, 0x601000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pins := map[object.SectionKind]uint64{object.KindData: tt.pin}
			plan, err := PlanLayout(testChunks(), elfParams, 0x100, pins)
			if err != nil {
				t.Fatalf("PlanLayout failed: %v", err)
			}
			data, bss := plan.Segments[2], plan.Segments[3]
			if data.Addr != tt.wantData {
				t.Errorf("data at %#x, want %#x", data.Addr, tt.wantData)
			}
			if bss.Addr < data.End() {
				t.Errorf("bss at %#x does not follow the pinned data ending at %#x", bss.Addr, data.End())
			}
			if data.Addr%elfParams.PageSize != data.Offset%elfParams.PageSize {
				t.Errorf("pinned data at %#x has offset %#x", data.Addr, data.Offset)
			}
		})
	}
}

func TestPlanLayoutLargeAlignment(t *testing.T) {
	chunks := []Chunker{
		fakeChunk(".text", object.KindCode, 0x123, 16),
		fakeChunk(".data.aligned", object.KindData, 0x40, 0x10000),
	}
	plan, err := PlanLayout(chunks, elfParams, 0x100, nil)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}
	data := plan.Segments[1]
	if data.Align != 0x10000 {
		t.Fatalf("data aligned to %#x, want 0x10000", data.Align)
	}
	if data.Addr%data.Align != 0 || data.Offset%data.Align != data.Addr%data.Align {
		t.Errorf("data at %#x offset %#x is not congruent modulo %#x", data.Addr, data.Offset, data.Align)
	}
}

func TestPlanLayoutPinBelow(t *testing.T) {
	pins := map[object.SectionKind]uint64{object.KindData: 0x200000}
	plan, err := PlanLayout(testChunks(), elfParams, 0x100, pins)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}

	var names []string
	for _, seg := range plan.Segments {
		names = append(names, seg.Name)
	}
	if diff := cmp.Diff([]string{"data", "text", "rodata", "bss"}, names); diff != "" {
		t.Errorf("segment order mismatch (-want +got):\n%s", diff)
	}

	var prev *Segment
	for _, seg := range plan.Segments {
		if seg.Offset%seg.Align != seg.Addr%seg.Align {
			t.Errorf("%s at %#x has offset %#x", seg.Name, seg.Addr, seg.Offset)
		}
		if prev != nil {
			if seg.Addr < prev.End() {
				t.Errorf("%s at %#x starts below %s ending at %#x", seg.Name, seg.Addr, prev.Name, prev.End())
			}
			if seg.Offset < prev.Offset+prev.FileSize {
				t.Errorf("%s at offset %#x overlaps %s in the file", seg.Name, seg.Offset, prev.Name)
			}
		}
		prev = seg
	}
	if bss := plan.Segments[3]; bss.Addr < plan.Segments[2].End() {
		t.Errorf("bss at %#x does not follow rodata", bss.Addr)
	}
}

func TestPlanLayoutOverlap(t *testing.T) {
	pins := map[object.SectionKind]uint64{object.KindData: 0x401000}
	_, err := PlanLayout(testChunks(), elfParams, 0x100, pins)
	var oe *OutputError
	if !errors.As(err, &oe) || oe.Kind != SegmentOverlap {
		t.Errorf("got error %v, want a segment overlap", err)
	}
}

func TestPlanLayoutOverflow(t *testing.T) {
	tests := []struct {
		name    string
		base    uint64
		header  uint64
		section string
	}{
		{"headers", 0xffff_ffff_ffff_f000, 0x2000, ""},
		{"segment start", 0xffff_ffff_ffff_f100, 0, "text"},
		{"section end", 0xffff_ffff_fff0_0000, 0x100, ".text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := []Chunker{fakeChunk(".text", object.KindCode, 0x20_0000, 16)}
			params := object.LayoutParams{ImageBase: tt.base, PageSize: 0x1000}
			_, err := PlanLayout(chunks, params, tt.header, nil)
			var oe *OutputError
			if !errors.As(err, &oe) || oe.Kind != LayoutOverflow || oe.Section != tt.section {
				t.Errorf("got error %v, want a layout overflow in %q", err, tt.section)
			}
		})
	}
}

func TestCountSegments(t *testing.T) {
	segments, sections := countSegments(testChunks())
	if segments != 4 || sections != 6 {
		t.Errorf("got %d segments and %d sections, want 4 and 6", segments, sections)
	}
}
