package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ksco/weld/pkg/diag"
	"github.com/ksco/weld/pkg/linker"
	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/object/archive"
	"github.com/ksco/weld/pkg/target"
	"github.com/ksco/weld/pkg/utils"
	"github.com/xyproto/env/v2"
)

var version string

// Args are the driver settings that never reach the linker core.
type Args struct {
	Output       string
	LibraryPaths []string
	LogLevel     slog.Level
}

// emulations maps -m and -arch values onto target triples.
var emulations = map[string]string{
	"elf64lriscv":  "riscv64-unknown-linux-gnu",
	"elf_x86_64":   "x86_64-unknown-linux-gnu",
	"aarch64linux": "aarch64-unknown-linux-gnu",
	"aarch64elf":   "aarch64-unknown-none-elf",
}

func main() {
	args := Args{Output: "a.out", LogLevel: slog.LevelWarn}
	opts := linker.Options{
		OutputKind: object.OutputExecutable,
		Triple:     env.Str("WELD_TARGET", target.Host()),
		Workers:    env.Int("WELD_JOBS", 0),
	}
	if lvl := env.Str("WELD_LOG"); lvl != "" {
		if err := args.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			usageError("WELD_LOG: %v", err)
		}
	}

	remaining := parseArgs(&args, &opts)
	if len(remaining) == 0 {
		fatal(linker.ErrNoInput)
	}

	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: args.LogLevel}))

	inputs, files := readInputFiles(&args, remaining)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	var out outputFile
	out.path = args.Output
	out.mode = 0777
	if opts.OutputKind == object.OutputRelocatable {
		out.mode = 0666
	}
	res, err := linker.Link(context.Background(), inputs, opts, &out)
	if err != nil {
		fatal(err)
	}
	utils.MustNo(out.Close())

	for _, name := range res.Unresolved {
		opts.Logger.Warn("undefined symbol left for a later link", "symbol", name)
	}
	opts.Logger.Info("wrote output", "path", args.Output, "format", res.Format,
		"arch", res.Arch, "size", res.Size, "entry", fmt.Sprintf("%#x", res.Entry))
}

// fatal prints err with its code and help, then exits.
func fatal(err error) {
	utils.Fatal(diag.Report(err))
}

func usageError(format string, args ...any) {
	fatal(diag.Errorf(diag.CommandLine, format, args...))
}

const usage = `usage: %s [options] file...

Options:
  -o, --output FILE      write the output to FILE (default a.out)
  -e, --entry SYMBOL     start execution at SYMBOL
  --target TRIPLE        link for TRIPLE (default $WELD_TARGET, then the host)
  -m EMULATION           link for an ld emulation such as elf_x86_64
  -arch ARCH             link a Mach-O image for ARCH
  -r, --relocatable      write a relocatable object
  --shared, --dylib      write a shared image
  --allow-undefined      keep undefined symbols in any output
  -s, --strip-all        leave local symbols out
  -Ttext, -Tdata, -Tbss ADDR
                         start the segment at ADDR (hex)
  --image-base ADDR      load executables at ADDR (hex)
  -j, --threads N        run at most N tasks at once
  -L DIR                 add DIR to the library search path
  -l NAME                link the static archive libNAME.a; shared
                         libraries are never searched
  --explain CODE         explain an error code such as E002
  -v, --version          print the version
`

// outputFile creates the output on the first write, so a failed link
// leaves no file behind.
type outputFile struct {
	path string
	mode os.FileMode
	f    *os.File
}

func (o *outputFile) Write(p []byte) (int, error) {
	if o.f == nil {
		f, err := os.OpenFile(o.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, o.mode)
		if err != nil {
			return 0, err
		}
		o.f = f
	}
	return o.f.Write(p)
}

func (o *outputFile) Close() error {
	if o.f == nil {
		return nil
	}
	return o.f.Close()
}

func readInputFiles(args *Args, remaining []string) ([]linker.Input, []*File) {
	var inputs []linker.Input
	var files []*File
	for _, arg := range remaining {
		var file *File
		if name, ok := utils.RemovePrefix(arg, "-l"); ok {
			file = FindLibrary(args, name)
		} else {
			f, err := OpenFile(arg)
			utils.MustNo(err)
			file = f
		}
		files = append(files, file)
		inputs = append(inputs, linker.Input{
			Name:      file.Name,
			Contents:  file.Contents,
			IsArchive: archive.IsArchive(file.Contents),
		})
	}
	return inputs, files
}

func FindLibrary(args *Args, name string) *File {
	for _, dir := range args.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name+".a")
		if f, err := OpenFile(stem); err == nil {
			return f
		}
	}

	usageError("library not found: -l%s (only lib%s.a is searched)", name, name)
	return nil
}

// parseAddr reads an address the way -T options are written: hex, with or
// without the 0x prefix.
func parseAddr(opt, s string) uint64 {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		usageError("option -%s: invalid address %q", opt, s)
	}
	return v
}

func parseArgs(args *Args, opts *linker.Options) []string {
	argv := os.Args[1:]

	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	arg := ""
	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if argv[0] == opt {
				if len(argv) == 1 {
					usageError("option -%s: argument missing", name)
				}

				arg = argv[1]
				argv = argv[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(argv[0], prefix) {
				arg = argv[0][len(prefix):]
				argv = argv[1:]
				return true
			}
		}

		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if argv[0] == opt {
				argv = argv[1:]
				return true
			}
		}

		return false
	}

	pin := func(kind object.SectionKind, opt string) {
		if opts.SegmentStart == nil {
			opts.SegmentStart = make(map[object.SectionKind]uint64)
		}
		opts.SegmentStart[kind] = parseAddr(opt, arg)
	}

	remaining := make([]string, 0)
	for len(argv) > 0 {
		if readFlag("help") {
			fmt.Printf(usage, os.Args[0])
			os.Exit(0)
		}
		if readArg("explain") {
			text, err := diag.Explain(arg)
			if err != nil {
				fatal(err)
			}
			fmt.Print(text)
			os.Exit(0)
		}

		if readArg("output") || readArg("o") {
			args.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("weld %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			triple, ok := emulations[arg]
			if !ok {
				usageError("unknown -m argument: %s", arg)
			}
			opts.Triple = triple
		} else if readArg("arch") {
			opts.Triple = arg + "-apple-macos"
		} else if readArg("target") {
			if _, err := target.Parse(arg); err != nil {
				fatal(err)
			}
			opts.Triple = arg
		} else if readFlag("r") || readFlag("relocatable") {
			opts.OutputKind = object.OutputRelocatable
		} else if readFlag("shared") || readFlag("dylib") {
			opts.OutputKind = object.OutputShared
		} else if readFlag("allow-undefined") {
			opts.AllowUnresolved = true
		} else if readFlag("s") || readFlag("strip-all") {
			opts.StripLocals = true
		} else if readArg("Ttext") {
			pin(object.KindCode, "Ttext")
		} else if readArg("Tdata") {
			pin(object.KindData, "Tdata")
		} else if readArg("Tbss") {
			pin(object.KindZeroFill, "Tbss")
		} else if readArg("image-base") {
			opts.ImageBase = parseAddr("image-base", arg)
		} else if readArg("j") || readArg("threads") {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				usageError("option -%s: invalid thread count %q", "threads", arg)
			}
			opts.Workers = n
		} else if readArg("L") {
			args.LibraryPaths = append(args.LibraryPaths, arg)
		} else if readArg("l") {
			remaining = append(remaining, "-l"+arg)
		} else if readArg("sysroot") ||
			readFlag("static") ||
			readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readArg("hash-style") ||
			readArg("build-id") ||
			readFlag("no-relax") {
			// Ignored
		} else if readArg("entry") || readArg("e") {
			opts.Entry = arg
		} else {
			if argv[0][0] == '-' {
				usageError("unknown command line option: %s", argv[0])
			}
			remaining = append(remaining, argv[0])
			argv = argv[1:]
		}
	}

	for i, path := range args.LibraryPaths {
		args.LibraryPaths[i] = filepath.Clean(path)
	}

	return remaining
}
