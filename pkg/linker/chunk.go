package linker

import "github.com/ksco/weld/pkg/object"

// Chunker is anything the layout places: output sections built from input
// sections, and synthetic sections such as the GOT.
type Chunker interface {
	GetName() string
	GetChunk() *Chunk
	// UpdateChunk computes the size and alignment before layout.
	UpdateChunk(ctx *Context)
	// CopyBuf fills Buf once addresses are final.
	CopyBuf(ctx *Context) error
}

/*
 * @Addr, @Offset: placement assigned by PlanLayout
 * @Shndx: index of the section in the emitted image
 * @Buf: output bytes, nil for zero-fill
 */
type Chunk struct {
	Name   string
	Kind   object.SectionKind
	Align  uint64
	Size   uint64
	Addr   uint64
	Offset uint64
	Shndx  int
	Buf    []byte
}

func NewChunk() Chunk {
	return Chunk{Align: 1, Shndx: -1}
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetChunk() *Chunk {
	return c
}

func (c *Chunk) UpdateChunk(ctx *Context) {}

func (c *Chunk) CopyBuf(ctx *Context) error { return nil }
