package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// fakeInterpreter writes a tiny shell script standing in for
// $PORTAGE_PYTHON: it drains stdin (the piped helper script) and then
// behaves according to body, so tests can exercise Parse's success and
// failure paths without a real Python interpreter.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-interpreter.sh")
	script := "#!/bin/sh\ncat >/dev/null\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewParserDefaultsToEnvThenPython3(t *testing.T) {
	p := NewParser("explicit")
	if p.interpreter != "explicit" {
		t.Fatalf("explicit interpreter not honored: %q", p.interpreter)
	}

	t.Setenv(DefaultInterpreterEnv, "from-env")
	if got := NewParser("").interpreter; got != "from-env" {
		t.Fatalf("interpreter = %q, want from-env", got)
	}

	t.Setenv(DefaultInterpreterEnv, "")
	if got := NewParser("").interpreter; got != "python3" {
		t.Fatalf("interpreter = %q, want python3", got)
	}
}

func TestParseReturnsURIMapping(t *testing.T) {
	interp := fakeInterpreter(t, `echo '{"foo-1.0.tar.gz": ["https://a.example/foo", "https://b.example/foo"]}'`)
	p := NewParser(interp)

	got, err := p.Parse(context.Background(), "/repo/app-misc/foo/foo-1.0.ebuild")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"https://a.example/foo", "https://b.example/foo"}
	if len(got["foo-1.0.tar.gz"]) != 2 || got["foo-1.0.tar.gz"][0] != want[0] || got["foo-1.0.tar.gz"][1] != want[1] {
		t.Fatalf("Parse result = %v, want %v", got, want)
	}
}

func TestParseReturnsErrorOnNonZeroExit(t *testing.T) {
	interp := fakeInterpreter(t, "exit 1")
	p := NewParser(interp)

	if _, err := p.Parse(context.Background(), "/repo/app-misc/foo/foo-1.0.ebuild"); err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
}

func TestParseReturnsErrorOnMalformedJSON(t *testing.T) {
	interp := fakeInterpreter(t, "echo 'not json'")
	p := NewParser(interp)

	if _, err := p.Parse(context.Background(), "/repo/app-misc/foo/foo-1.0.ebuild"); err == nil {
		t.Fatal("expected an error for malformed JSON output")
	}
}

// TestParseInvokesInterpreterWithDashAndRecipePath pins the exact
// invocation shape §4.6 requires: the helper script is read from stdin
// ("-" as argv[0] to the interpreter) and the recipe path is passed as
// the interpreter's sole argument, so a real "python3 - <recipe>"
// actually executes the piped helper instead of running the recipe
// itself as the interpreted program.
func TestParseInvokesInterpreterWithDashAndRecipePath(t *testing.T) {
	interp := fakeInterpreter(t, `
if [ "$1" != "-" ]; then
	echo "want first arg '-', got '$1'" >&2
	exit 1
fi
if [ "$2" != "/repo/app-misc/foo/foo-1.0.ebuild" ]; then
	echo "want second arg recipe path, got '$2'" >&2
	exit 1
fi
echo '{}'
`)
	p := NewParser(interp)

	if _, err := p.Parse(context.Background(), "/repo/app-misc/foo/foo-1.0.ebuild"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
