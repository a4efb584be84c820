package linker

import (
	"context"
	"fmt"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/object/archive"
	"github.com/ksco/weld/pkg/scheduler"
)

// Input is one buffer handed to the linker. The buffer is only read.
type Input struct {
	Name      string
	Contents  []byte
	IsArchive bool
}

// candidate is an object buffer in canonical order: inputs in the order
// given, archive members in archive order at the archive's position.
type candidate struct {
	name     string
	contents []byte
	archive  int
}

// expandArchives splits every archive input into its members.
func expandArchives(ctx context.Context, c *Context, inputs []Input) ([]candidate, error) {
	groups, err := scheduler.Map(ctx, c.Sched, scheduler.PhaseParse, len(inputs),
		func(_ context.Context, i int) ([]candidate, error) {
			in := &inputs[i]
			if !in.IsArchive {
				return []candidate{{name: in.Name, contents: in.Contents, archive: -1}}, nil
			}
			members, err := archive.ReadMembers(in.Contents)
			if err != nil {
				return nil, object.WithInput(err, in.Name)
			}
			out := make([]candidate, 0, len(members))
			for _, m := range members {
				out = append(out, candidate{
					name:     fmt.Sprintf("%s(%s)", in.Name, m.Name),
					contents: m.Contents,
					archive:  i,
				})
			}
			return out, nil
		})
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for _, g := range groups {
		cands = append(cands, g...)
	}
	return cands, nil
}

// parseObject is the parser ReadInputFiles runs for every candidate.
var parseObject = object.Parse

// ReadInputFiles parses every candidate object in parallel and returns
// them in canonical order. Archive members are parsed too, but stay dead
// until MarkLiveObjects takes them. A member that fails to parse keeps its
// error in Err and can never be pulled, and members are only checked
// against the target once pulled.
func ReadInputFiles(ctx context.Context, c *Context, inputs []Input) ([]*ObjectFile, error) {
	cands, err := expandArchives(ctx, c, inputs)
	if err != nil {
		return nil, err
	}

	declared := object.FormatUnknown
	if c.Format != nil {
		declared = c.Format.Kind()
	}
	files, err := scheduler.Map(ctx, c.Sched, scheduler.PhaseParse, len(cands),
		func(_ context.Context, i int) (*ObjectFile, error) {
			cand := &cands[i]
			obj, err := parseObject(cand.contents, declared)
			if err != nil {
				err = object.WithInput(err, cand.name)
				if cand.archive < 0 {
					return nil, err
				}
				return &ObjectFile{Name: cand.name, Priority: i, Archive: cand.archive, Err: err}, nil
			}
			return NewObjectFile(cand.name, obj, i, cand.archive), nil
		})
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if file.Err != nil {
			c.Logger.Warn("archive member is unreadable and will not be pulled",
				"member", file.Name, "err", file.Err)
			continue
		}
		if file.InLib() {
			continue
		}
		if err := CheckFileCompatibility(c, file); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// CheckFileCompatibility rejects inputs that are not relocatable objects
// for the target architecture. Without a target architecture the first
// object decides.
func CheckFileCompatibility(ctx *Context, file *ObjectFile) error {
	obj := file.Obj
	if obj.Type != object.FileRelocatable {
		return &object.ParseError{Input: file.Name, Cause: object.CauseUnsupportedFeature,
			Msg: "not a relocatable object"}
	}
	if ctx.Format == nil {
		f, ok := object.Lookup(obj.Format)
		if !ok {
			return &object.ParseError{Input: file.Name, Cause: object.CauseUnsupportedFormat,
				Msg: fmt.Sprintf("no emitter registered for %s", obj.Format)}
		}
		ctx.Format = f
	}
	if obj.Format != ctx.Format.Kind() {
		return &object.ParseError{Input: file.Name, Cause: object.CauseIncompatible,
			Msg: fmt.Sprintf("%s object is incompatible with %s output", obj.Format, ctx.Format.Kind())}
	}
	if ctx.Arch == object.ArchNone {
		ctx.Arch = obj.Arch
	}
	if obj.Arch != ctx.Arch {
		return &object.ParseError{Input: file.Name, Cause: object.CauseIncompatible,
			Msg: fmt.Sprintf("%s object is incompatible with %s", obj.Arch, ctx.Arch)}
	}
	return nil
}
