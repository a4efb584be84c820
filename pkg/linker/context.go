package linker

import (
	"log/slog"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/scheduler"
)

/*
 * Options are the command level settings of one link.
 * @Entry: entry symbol; empty selects the format default
 * @Triple: target triple, used when Format is FormatUnknown
 * @Format: container format, overriding the triple's family
 * @AllowUnresolved: tolerate undefined symbols in any output kind
 * @StripLocals: leave local symbols out of the output symbol table
 * @ImageBase: load address of executables; zero selects the format default
 * @SegmentStart: pinned start addresses per segment kind (-Ttext= etc.)
 * @Workers: upper bound on parallel tasks; zero means one per CPU
 */
type Options struct {
	OutputKind      object.OutputKind
	Entry           string
	Triple          string
	Format          object.FormatKind
	AllowUnresolved bool
	StripLocals     bool
	ImageBase       uint64
	SegmentStart    map[object.SectionKind]uint64
	Workers         int
	Logger          *slog.Logger
}

// Tolerates reports whether undefined strong references survive the link.
func (o *Options) Tolerates() bool {
	return o.AllowUnresolved || o.OutputKind == object.OutputRelocatable
}

/*
 * Context carries all state of one link.
 * @Format: the output container format; every input must be of it too
 * @Arch: target architecture, taken from the triple or the first input
 * @Params: page size and image base the layout honours
 * @Objs: live objects in canonical order, after resolution
 * @Internal: synthetic object owning the common symbol storage
 * @Symtab: the global symbol table, written only during merge
 * @OutputSections: output sections in first-occurrence order
 * @MergedSections: deduplicated mergeable sections, same order
 * @Chunks: everything the layout places, output sections and the GOT
 * @Plan: the layout, read-only once built
 */
type Context struct {
	Opts   Options
	Format object.Format
	Arch   object.Arch
	Params object.LayoutParams
	Sched  *scheduler.Scheduler
	Logger *slog.Logger

	Objs     []*ObjectFile
	Internal *ObjectFile
	Symtab   *SymbolTable

	OutputSections []*OutputSection
	MergedSections []*MergedSection
	Got            *GotSection
	Chunks         []Chunker

	Plan       *LayoutPlan
	Entry      uint64
	Unresolved []string
}

func NewContext(opts Options) *Context {
	ctx := &Context{
		Opts:   opts,
		Symtab: NewSymbolTable(),
	}
	ctx.Sched = scheduler.New(opts.Workers, opts.Logger)
	ctx.Logger = ctx.Sched.Logger()
	return ctx
}

// EntryName is the symbol the executable starts at.
func (ctx *Context) EntryName() string {
	if ctx.Opts.Entry != "" {
		return ctx.Opts.Entry
	}
	if ctx.Format != nil && ctx.Format.Kind() == object.FormatMachO {
		return "_main"
	}
	return "_start"
}

func (ctx *Context) relocatable() bool {
	return ctx.Opts.OutputKind == object.OutputRelocatable
}
