// Package diag holds the error code registry behind `weld --explain`.
// Errors that carry a code implement Coded; the driver prints the code and
// its help text after the message.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	InvalidCode       Code = "E000"
	CommandLine       Code = "E001"
	NoInput           Code = "E002"
	UnsupportedFormat Code = "E003"
	MalformedObject   Code = "E004"
	SymbolResolution  Code = "E005"
	OutputFailure     Code = "E006"
)

// Coded is implemented by errors that map to a registry entry.
type Coded interface {
	ErrorCode() Code
}

/*
 * Diagnostic is one registry entry.
 * @Title: one line summary
 * @Help: the hint printed under an error carrying the code
 * @Body: the long form `weld --explain` prints
 */
type Diagnostic struct {
	Code  Code
	Title string
	Help  string
	Body  string
}

var registry = []Diagnostic{
	{
		Code:  InvalidCode,
		Title: "The given error code is invalid.",
		Help:  "Did you mistype the error code? The pattern is `E[0-9]{3}`, an `E` followed by 3 digits, such as `E000`.",
		Body: `An error code passed to --explain does not exist.

Codes are an E followed by three digits. Every error weld reports ends with
its code, which is the one to look up:

    $ weld --explain E002
`,
	},
	{
		Code:  CommandLine,
		Title: "The command line could not be read.",
		Help:  "See the command-line usage with `weld --help`.",
		Body: `An option was unknown, was missing its argument, or had an argument
that does not parse, such as a -Ttext address that is not hexadecimal.

    $ weld -Ttext=0xzz main.o
`,
	},
	{
		Code:  NoInput,
		Title: "No input objects were given.",
		Help:  "Maybe try adding input object files with `weld <input_files> …`",
		Body: `The link has nothing to combine. Either no file was named on the
command line, or only archives were, and nothing referenced any of their
members.

    $ weld -o a.out
    $ weld -o a.out main.o
`,
	},
	{
		Code:  UnsupportedFormat,
		Title: "The target's binary format is not supported.",
		Help:  "Maybe try another target with `weld --target <target>`?",
		Body: `The target triple was understood, but its binary format has no writer.
weld emits ELF and Mach-O; COFF, Wasm, XCOFF and GOFF targets are
recognized only so that this error can name them.

    $ weld --target x86_64-pc-windows-msvc main.o
    $ weld --target x86_64-unknown-linux-gnu main.o
`,
	},
	{
		Code:  MalformedObject,
		Title: "An input object could not be parsed.",
		Help:  "Check that the input is a 64-bit little-endian relocatable object for the target.",
		Body: `An input was truncated, pointed outside itself, used a feature weld does
not handle (compressed or thread-local sections, big-endian data), or
does not match the target's format and architecture. The message names
the input and the byte offset where the problem was found.

Archive members are only checked once a reference pulls them in.
`,
	},
	{
		Code:  SymbolResolution,
		Title: "Symbols could not be resolved.",
		Help:  "Check for a missing object or library, or for two objects defining the same name.",
		Body: `Either two inputs define the same strong symbol, or a symbol is
referenced but defined nowhere. Weak definitions yield to strong ones and
common symbols merge, so neither case is reported for them.

Archives are searched forward only: a library must come after the objects
that use it.

    $ weld -lfoo main.o
    $ weld main.o -lfoo
`,
	},
	{
		Code:  OutputFailure,
		Title: "The image could not be laid out, relocated or written.",
		Help:  "Check the address options and that referenced symbols are within reach of their relocations.",
		Body: `A relocated value did not fit its field or had the wrong alignment,
pinned segments overlap, the image ran past the end of the address space,
or the output could not be written. The message names the relocation, the
symbol and the site it patches.
`,
	},
}

// Lookup returns the registry entry for code.
func Lookup(code Code) (Diagnostic, bool) {
	for _, d := range registry {
		if d.Code == code {
			return d, true
		}
	}
	return Diagnostic{}, false
}

// Explain returns the long form diagnostic for a code as typed by a user.
func Explain(code string) (string, error) {
	d, ok := Lookup(Code(strings.ToUpper(strings.TrimSpace(code))))
	if !ok {
		return "", Errorf(InvalidCode, "`%s` is not a valid error code", code)
	}
	return fmt.Sprintf("%s\n\n%s", d.Title, d.Body), nil
}

// CodeOf finds the first code in err's chain.
func CodeOf(err error) (Code, bool) {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode(), true
	}
	return "", false
}

// Report renders err the way the driver prints it: the message, then the
// code's help and a pointer to --explain.
func Report(err error) string {
	code, ok := CodeOf(err)
	if !ok {
		return err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "error[%s]: %v\n", code, err)
	if d, ok := Lookup(code); ok {
		fmt.Fprintf(&b, "  help: %s\n", d.Help)
	}
	fmt.Fprintf(&b, "For more information about this error, try `weld --explain %s`.", code)
	return b.String()
}

// Error is a plain message with a code.
type Error struct {
	Code Code
	Msg  string
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) ErrorCode() Code { return e.Code }
