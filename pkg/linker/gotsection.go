package linker

import (
	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// GotSection holds one 8-byte address per symbol reached through a
// GOT-relative relocation. Slots of undefined symbols hold zero.
type GotSection struct {
	Chunk
	GotSyms []*Symbol
}

func NewGotSection(ctx *Context) *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	if ctx.Format.Kind() == object.FormatMachO {
		g.Name = "__got"
	}
	g.Kind = object.KindData
	g.Align = 8
	return g
}

func (g *GotSection) AddGotSymbol(sym *Symbol) {
	sym.GotIdx = int32(len(g.GotSyms))
	g.GotSyms = append(g.GotSyms, sym)
}

func (g *GotSection) UpdateChunk(ctx *Context) {
	g.Size = uint64(len(g.GotSyms)) * 8
}

func (g *GotSection) CopyBuf(ctx *Context) error {
	for idx, sym := range g.GotSyms {
		addr := uint64(0)
		if sym.IsDefined() {
			addr = sym.GetAddr()
		}
		utils.Write[uint64](g.Buf[idx*8:], addr)
	}
	return nil
}
