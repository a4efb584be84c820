package diag

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExplain(t *testing.T) {
	for _, d := range registry {
		got, err := Explain(string(d.Code))
		if err != nil {
			t.Errorf("Explain(%s) failed: %v", d.Code, err)
			continue
		}
		if !strings.HasPrefix(got, d.Title) || !strings.Contains(got, d.Body) {
			t.Errorf("Explain(%s) = %q", d.Code, got)
		}
	}

	if got, err := Explain(" e002 "); err != nil || !strings.HasPrefix(got, "No input objects") {
		t.Errorf("Explain with spaces and lower case = %q, %v", got, err)
	}
}

func TestExplainInvalidCode(t *testing.T) {
	for _, code := range []string{"", "E999", "oops", "E0001"} {
		_, err := Explain(code)
		if got, ok := CodeOf(err); !ok || got != InvalidCode {
			t.Errorf("Explain(%q): got error %v, want code %s", code, err, InvalidCode)
		}
	}
}

func TestRegistryCodes(t *testing.T) {
	seen := make(map[Code]bool)
	for i, d := range registry {
		if want := Code(fmt.Sprintf("E%03d", i)); d.Code != want {
			t.Errorf("entry %d has code %s, want %s", i, d.Code, want)
		}
		if seen[d.Code] {
			t.Errorf("code %s registered twice", d.Code)
		}
		seen[d.Code] = true
		if d.Title == "" || d.Help == "" || d.Body == "" {
			t.Errorf("%s is missing text: %+v", d.Code, d)
		}
	}
}

func TestReport(t *testing.T) {
	err := fmt.Errorf("linking: %w", Errorf(NoInput, "no input objects were given"))
	got := Report(err)
	want := "error[E002]: linking: no input objects were given\n" +
		"  help: Maybe try adding input object files with `weld <input_files> …`\n" +
		"For more information about this error, try `weld --explain E002`."
	if got != want {
		t.Errorf("Report = %q\nwant %q", got, want)
	}

	if got := Report(errors.New("plain")); got != "plain" {
		t.Errorf("Report of an uncoded error = %q", got)
	}
}
