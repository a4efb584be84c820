package linker

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

/*
 * PlacedSection is a chunk with its final placement.
 * @Padding: bytes between the previous section's end and Addr
 * @Offset: file offset; zero-fill sections report where they would start
 */
type PlacedSection struct {
	Name    string
	Kind    object.SectionKind
	Addr    uint64
	Offset  uint64
	Size    uint64
	Align   uint64
	Padding uint64
	Chunk   Chunker
}

type Segment struct {
	Name     string
	Kind     object.SectionKind
	Addr     uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	Sections []*PlacedSection
}

func (s *Segment) End() uint64 {
	return s.Addr + s.MemSize
}

// LayoutPlan is the placement of every chunk. It is built once and only read
// afterwards.
type LayoutPlan struct {
	HeaderSize  uint64
	Segments    []*Segment
	Unallocated []*PlacedSection
	FileSize    uint64
}

// Sections returns every placed section in file order.
func (p *LayoutPlan) Sections() []*PlacedSection {
	var out []*PlacedSection
	for _, seg := range p.Segments {
		out = append(out, seg.Sections...)
	}
	return append(out, p.Unallocated...)
}

var segmentOrder = []object.SectionKind{
	object.KindCode, object.KindReadOnly, object.KindData, object.KindZeroFill,
}

func segmentName(kind object.SectionKind) string {
	switch kind {
	case object.KindCode:
		return "text"
	case object.KindReadOnly:
		return "rodata"
	case object.KindData:
		return "data"
	case object.KindZeroFill:
		return "bss"
	}
	return "other"
}

// countSegments returns how many segments and allocated sections chunks
// will produce, which fixes the header size before anything is placed.
func countSegments(chunks []Chunker) (segments, sections int) {
	seen := make(map[object.SectionKind]bool)
	for _, c := range chunks {
		kind := c.GetChunk().Kind
		sections++
		if kind.Allocated() && !seen[kind] {
			seen[kind] = true
			segments++
		}
	}
	return segments, sections
}

// PlanLayout places chunks into segments in the order code, read-only,
// data, zero-fill, keeping the order of chunks inside each segment. Every
// section gets the lowest address at or above the previous end that
// satisfies its alignment. A segment starts on a new page, aligned to the
// larger of the page size and its strictest member. Zero-fill takes address
// space only. The headers occupy the start of the file and of the image.
//
// A kind listed in pins starts at that address instead of following the
// previous segment, so the segments are sorted by address once placed. File
// offsets are then handed out in that order, each congruent to its address
// modulo the segment alignment.
func PlanLayout(chunks []Chunker, params object.LayoutParams, headerSize uint64,
	pins map[object.SectionKind]uint64) (*LayoutPlan, error) {
	pageSize := max(params.PageSize, 1)
	plan := &LayoutPlan{HeaderSize: headerSize}

	addr, ok := add(params.ImageBase, headerSize)
	if !ok {
		return nil, &OutputError{Kind: LayoutOverflow,
			Msg: fmt.Sprintf("image base %#x leaves no room for the headers", params.ImageBase)}
	}

	for _, kind := range segmentOrder {
		var members []Chunker
		for _, c := range chunks {
			if c.GetChunk().Kind == kind {
				members = append(members, c)
			}
		}
		if len(members) == 0 {
			continue
		}

		seg := &Segment{Name: segmentName(kind), Kind: kind, Align: pageSize}
		for _, c := range members {
			seg.Align = max(seg.Align, c.GetChunk().Align)
		}

		start, pinned := pins[kind]
		if pinned {
			start = utils.AlignTo(start, seg.Align)
		} else {
			start = utils.AlignTo(addr, seg.Align)
		}
		if start < addr && !pinned {
			return nil, &OutputError{Kind: LayoutOverflow, Section: seg.Name,
				Msg: "address space exhausted"}
		}
		seg.Addr = start

		cur := start
		for _, c := range members {
			ch := c.GetChunk()
			a := utils.AlignTo(cur, ch.Align)
			end, ok := add(a, ch.Size)
			if a < cur || !ok {
				return nil, &OutputError{Kind: LayoutOverflow, Section: ch.Name,
					Msg: fmt.Sprintf("section of %#x bytes does not fit above %#x", ch.Size, cur)}
			}
			seg.Sections = append(seg.Sections, &PlacedSection{
				Name:    ch.Name,
				Kind:    kind,
				Addr:    a,
				Size:    ch.Size,
				Align:   ch.Align,
				Padding: a - cur,
				Chunk:   c,
			})
			cur = end
		}

		seg.MemSize = cur - start
		if kind != object.KindZeroFill {
			seg.FileSize = seg.MemSize
		}
		plan.Segments = append(plan.Segments, seg)

		if !pinned || seg.End() > addr {
			addr = seg.End()
		}
	}

	sort.SliceStable(plan.Segments, func(i, j int) bool {
		return plan.Segments[i].Addr < plan.Segments[j].Addr
	})
	if err := checkOverlap(plan.Segments); err != nil {
		return nil, err
	}

	off := headerSize
	for _, seg := range plan.Segments {
		// Alignments are powers of two, so the wrapped difference still
		// gives the right remainder.
		seg.Offset = off + (seg.Addr-off)%seg.Align
		for _, ps := range seg.Sections {
			ps.Offset = seg.Offset + (ps.Addr - seg.Addr)
		}
		off = seg.Offset + seg.FileSize
	}

	for _, c := range chunks {
		ch := c.GetChunk()
		if ch.Kind.Allocated() {
			continue
		}
		a := utils.AlignTo(off, ch.Align)
		plan.Unallocated = append(plan.Unallocated, &PlacedSection{
			Name:    ch.Name,
			Kind:    ch.Kind,
			Offset:  a,
			Size:    ch.Size,
			Align:   ch.Align,
			Padding: a - off,
			Chunk:   c,
		})
		off = a + ch.Size
	}
	plan.FileSize = off

	for _, ps := range plan.Sections() {
		ch := ps.Chunk.GetChunk()
		ch.Addr = ps.Addr
		ch.Offset = ps.Offset
	}
	return plan, nil
}

func add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// checkOverlap expects segs sorted by address.
func checkOverlap(segs []*Segment) error {
	for i := 1; i < len(segs); i++ {
		prev, next := segs[i-1], segs[i]
		if prev.End() > next.Addr {
			return &OutputError{Kind: SegmentOverlap, Section: next.Name,
				Msg: fmt.Sprintf("[%#x, %#x) overlaps %s at [%#x, %#x)",
					next.Addr, next.End(), prev.Name, prev.Addr, prev.End())}
		}
	}
	return nil
}
