package main

import (
	"strings"
	"testing"
)

func TestSourceLocationStringFormsDependOnWhatIsSet(t *testing.T) {
	cases := []struct {
		loc  SourceLocation
		want string
	}{
		{SourceLocation{}, "<unknown>"},
		{SourceLocation{Line: 3, Column: 5}, "3:5"},
		{SourceLocation{File: "prog.bf", Line: 3, Column: 5}, "prog.bf:3:5"},
	}
	for _, c := range cases {
		if got := c.loc.String(); got != c.want {
			t.Errorf("%+v.String() = %q, want %q", c.loc, got, c.want)
		}
	}
}

func TestCompilerErrorErrorOmitsLocationWhenUnset(t *testing.T) {
	err := UsageError("bad flag")
	if err.Error() != "bad flag" {
		t.Errorf("Error() = %q, want the bare message", err.Error())
	}
}

func TestCompilerErrorErrorIncludesLocationWhenSet(t *testing.T) {
	err := CompilerError{Message: "unmatched ']'", Location: SourceLocation{Line: 2, Column: 1}}
	if got := err.Error(); got != "2:1: unmatched ']'" {
		t.Errorf("Error() = %q, want %q", got, "2:1: unmatched ']'")
	}
}

func TestCompilerErrorFormatWithoutColorHasNoEscapeCodes(t *testing.T) {
	err := UsageError("bad flag")
	out := err.Format(false)
	if strings.Contains(out, "\033[") {
		t.Errorf("Format(false) should contain no ANSI escapes, got %q", out)
	}
	if !strings.Contains(out, "fatal error (user input): bad flag") {
		t.Errorf("Format(false) = %q, missing the level/category/message line", out)
	}
}

func TestCompilerErrorFormatWithColorAddsEscapeCodes(t *testing.T) {
	out := UsageError("bad flag").Format(true)
	if !strings.Contains(out, "\033[") {
		t.Errorf("Format(true) should contain ANSI escapes, got %q", out)
	}
}

func TestCompilerErrorFormatIncludesLocationArrow(t *testing.T) {
	err := CompilerError{
		Level: LevelFatal, Category: CategoryUserInput, Message: "unmatched ']'",
		Location: SourceLocation{File: "prog.bf", Line: 2, Column: 1},
	}
	out := err.Format(false)
	if !strings.Contains(out, "--> prog.bf:2:1") {
		t.Errorf("Format should include the location arrow, got %q", out)
	}
}

func TestCompilerErrorFormatIncludesSourceLineCaret(t *testing.T) {
	err := CompilerError{
		Message:  "unmatched ']'",
		Location: SourceLocation{Line: 2, Column: 3, Length: 1},
		Context:  ErrorContext{SourceLine: "ab]cd"},
	}
	out := err.Format(false)
	if !strings.Contains(out, "2 | ab]cd") {
		t.Errorf("Format should echo the source line, got %q", out)
	}
	if !strings.Contains(out, "  ^") {
		t.Errorf("Format should point the caret at column 3, got %q", out)
	}
}

func TestCompilerErrorFormatIncludesSuggestionAndHelpText(t *testing.T) {
	err := CompilerError{
		Message: "boom",
		Context: ErrorContext{Suggestion: "try again", HelpText: "see the docs"},
	}
	out := err.Format(false)
	if !strings.Contains(out, "help: try again") {
		t.Errorf("Format should include the suggestion, got %q", out)
	}
	if !strings.Contains(out, "note: see the docs") {
		t.Errorf("Format should include the help text, got %q", out)
	}
}

// TestCompilerErrorFormatHonorsLiteralOverride checks that a non-empty
// Literal field bypasses the generic level/category/location rendering
// entirely, regardless of useColor.
func TestCompilerErrorFormatHonorsLiteralOverride(t *testing.T) {
	err := CompilerError{
		Level: LevelFatal, Category: CategoryUserInput, Message: "unmatched '['",
		Location: SourceLocation{Line: 2, Column: 1},
		Literal:  "Error: found unmatched '[' on line 2 column 1\n",
	}
	for _, useColor := range []bool{false, true} {
		if got := err.Format(useColor); got != err.Literal {
			t.Errorf("Format(%v) = %q, want the literal override %q", useColor, got, err.Literal)
		}
	}
}

func TestUnmatchedBracketErrorProducesTheExactSpecText(t *testing.T) {
	cases := []struct {
		bracket byte
		want    string
	}{
		{'[', "Error: found unmatched '[' on line 4 column 7\n"},
		{']', "Error: found unmatched ']' on line 4 column 7\n"},
	}
	for _, c := range cases {
		err := UnmatchedBracketError(c.bracket, SourceLocation{Line: 4, Column: 7})
		if err.Category != CategoryUserInput {
			t.Errorf("Category = %v, want CategoryUserInput", err.Category)
		}
		if got := err.Format(false); got != c.want {
			t.Errorf("Format(false) = %q, want %q", got, c.want)
		}
	}
}

func TestConstructorsSetTheRightLevelAndCategory(t *testing.T) {
	cases := []struct {
		err     CompilerError
		wantCat ErrorCategory
		hasHelp bool
		name    string
	}{
		{UsageError("x"), CategoryUserInput, false, "UsageError"},
		{InvariantError("x"), CategoryInvariant, true, "InvariantError"},
		{ResourceError("x"), CategoryResource, false, "ResourceError"},
		{RuntimeError("x"), CategoryRuntime, false, "RuntimeError"},
	}
	for _, c := range cases {
		if c.err.Level != LevelFatal {
			t.Errorf("%s: Level = %v, want LevelFatal", c.name, c.err.Level)
		}
		if c.err.Category != c.wantCat {
			t.Errorf("%s: Category = %v, want %v", c.name, c.err.Category, c.wantCat)
		}
		if c.hasHelp && c.err.Context.HelpText == "" {
			t.Errorf("%s: expected a HelpText note", c.name)
		}
	}
}
