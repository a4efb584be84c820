package linker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ksco/weld/pkg/object"
	_ "github.com/ksco/weld/pkg/object/elf"
	_ "github.com/ksco/weld/pkg/object/macho"
	"github.com/ksco/weld/pkg/scheduler"
	"github.com/ksco/weld/pkg/target"
)

// Result describes a successful link.
type Result struct {
	Entry      uint64
	Unresolved []string
	Plan       *LayoutPlan
	Size       uint64
	Format     object.FormatKind
	Arch       object.Arch
}

// Link combines inputs into one image and writes it to sink. The image is
// built in memory and written with a single call, so nothing reaches sink
// when the link fails.
//
// Errors are ErrNoInput, *object.ParseError, *MergeError, *OutputError,
// *target.UnsupportedFormatError, or the context's error on cancellation.
func Link(ctx context.Context, inputs []Input, opts Options, sink io.Writer) (*Result, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInput
	}

	c := NewContext(opts)
	if err := selectTarget(c); err != nil {
		return nil, err
	}

	var files []*ObjectFile
	var out bytes.Buffer
	err := c.Sched.Pipeline().
		Add(scheduler.PhaseParse, func(ctx context.Context) (err error) {
			files, err = ReadInputFiles(ctx, c, inputs)
			return err
		}).
		Add(scheduler.PhaseMerge, func(ctx context.Context) error {
			if err := ResolveSymbols(c, files); err != nil {
				return err
			}
			AllocateCommons(c)
			return MergeSections(ctx, c)
		}).
		Add(scheduler.PhaseLayout, func(context.Context) error {
			return Layout(c)
		}).
		Add(scheduler.PhaseRelocate, func(ctx context.Context) error {
			return ApplyRelocations(ctx, c)
		}).
		Add(scheduler.PhaseEmit, func(context.Context) error {
			return Emit(c, &out)
		}).
		Run(ctx)
	if err != nil {
		var te *scheduler.TaskError
		if errors.As(err, &te) {
			return nil, te.Err
		}
		return nil, err
	}

	if _, err := sink.Write(out.Bytes()); err != nil {
		return nil, &OutputError{Kind: EmitFailed, Msg: "writing the output", Err: err}
	}

	c.Logger.Debug("link finished",
		"format", c.Format.Kind(), "arch", c.Arch, "objects", len(c.Objs),
		"size", out.Len(), "unresolved", len(c.Unresolved))
	return &Result{
		Entry:      c.Entry,
		Unresolved: c.Unresolved,
		Plan:       c.Plan,
		Size:       uint64(out.Len()),
		Format:     c.Format.Kind(),
		Arch:       c.Arch,
	}, nil
}

// selectTarget fixes the output format and architecture from the options.
// Whatever stays unset is taken from the first input object.
func selectTarget(c *Context) error {
	opts := &c.Opts
	var archName string
	if opts.Triple != "" {
		t, err := target.Parse(opts.Triple)
		if err != nil {
			return err
		}
		c.Arch = t.Arch
		archName = t.ArchName
		if opts.Format == object.FormatUnknown && t.Family != object.FormatUnknown {
			f, err := t.Format()
			if err != nil {
				return err
			}
			c.Format = f
		}
	}

	if opts.Format != object.FormatUnknown {
		f, ok := object.Lookup(opts.Format)
		if !ok {
			return &target.UnsupportedFormatError{Triple: opts.Triple, Arch: archName, Family: opts.Format}
		}
		c.Format = f
	}
	return nil
}

// Layout sizes every output chunk and places it. Relocatable output keeps
// the format's image base of zero and ignores pinned segments.
func Layout(c *Context) error {
	kind := c.Opts.OutputKind
	c.Params = c.Format.Params(kind)
	if c.Opts.ImageBase != 0 && !c.relocatable() {
		c.Params.ImageBase = c.Opts.ImageBase
	}

	ScanRelocations(c)
	BinSections(c)
	c.Chunks = CollectOutputSections(c)
	ComputeSectionSizes(c)
	SortOutputSections(c)

	segments, sections := countSegments(c.Chunks)
	headerSize := c.Format.HeaderSize(kind, segments, sections)

	pins := c.Opts.SegmentStart
	if c.relocatable() {
		pins = nil
	}
	plan, err := PlanLayout(c.Chunks, c.Params, headerSize, pins)
	if err != nil {
		return err
	}
	c.Plan = plan

	if !c.relocatable() {
		c.Entry = entryAddress(c)
	}
	return nil
}

// entryAddress resolves the entry symbol. Without one the image starts at
// its first code segment.
func entryAddress(c *Context) uint64 {
	name := c.EntryName()
	if sym := c.Symtab.Lookup(name); sym != nil && sym.IsDefined() {
		return sym.GetAddr()
	}
	for _, seg := range c.Plan.Segments {
		if seg.Kind == object.KindCode {
			c.Logger.Warn("entry symbol not found, defaulting to the start of text",
				"symbol", name, "addr", fmt.Sprintf("%#x", seg.Addr))
			return seg.Addr
		}
	}
	c.Logger.Warn("entry symbol not found and no code to start at", "symbol", name)
	return 0
}

// Emit serializes the linked image into w.
func Emit(c *Context, w io.Writer) error {
	img := BuildImage(c)
	if err := c.Format.Emit(w, img); err != nil {
		return &OutputError{Kind: EmitFailed, Msg: fmt.Sprintf("%s emitter", c.Format.Kind()), Err: err}
	}
	return nil
}
