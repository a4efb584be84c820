package linker

import (
	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

type OutputSection struct {
	Chunk
	Members []*InputSection
}

func NewOutputSection(name string, kind object.SectionKind) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Kind = kind
	return o
}

// UpdateChunk assigns member offsets in first-occurrence order.
func (o *OutputSection) UpdateChunk(ctx *Context) {
	offset := uint64(0)
	p2align := uint8(0)

	for _, isec := range o.Members {
		offset = utils.AlignTo(offset, 1<<isec.P2Align)
		isec.Offset = offset
		offset += isec.Size
		p2align = max(p2align, isec.P2Align)
	}

	o.Size = offset
	o.Align = 1 << p2align
}

// GetOutputSection finds or creates the output section for an input
// section name and kind. Sections of different kinds never share an output
// section, even under the same name.
func GetOutputSection(ctx *Context, name string, kind object.SectionKind) *OutputSection {
	name = GetOutputName(name)

	find := func() *OutputSection {
		for _, osec := range ctx.OutputSections {
			if name == osec.Name && kind == osec.Kind {
				return osec
			}
		}
		return nil
	}

	if osec := find(); osec != nil {
		return osec
	}

	osec := NewOutputSection(name, kind)
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}
