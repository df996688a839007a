package layout

import (
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func TestDigestDirMatchesBlake2b512FirstByte(t *testing.T) {
	name := "foo.tar.gz"
	sum := blake2b.Sum512([]byte(name))
	want := hex.EncodeToString(sum[:1])

	got := DigestDir(name)
	if got != want {
		t.Fatalf("DigestDir(%q) = %q, want %q", name, got, want)
	}
	if len(got) != 2 {
		t.Fatalf("DigestDir(%q) has length %d, want 2", name, len(got))
	}
}

func TestDigestDirIsTotalAndDeterministic(t *testing.T) {
	for _, name := range []string{"", "a", "weird/looking-name", "has spaces.tar"} {
		got1 := DigestDir(name)
		got2 := DigestDir(name)
		if got1 != got2 {
			t.Fatalf("DigestDir(%q) not deterministic: %q != %q", name, got1, got2)
		}
		if len(got1) != 2 {
			t.Fatalf("DigestDir(%q) = %q, want 2 hex chars", name, got1)
		}
	}
}

func TestBlobPath(t *testing.T) {
	root := "/srv/cache"
	name := "foo.tar.gz"
	got := BlobPath(root, name)
	want := root + "/distfiles/" + DigestDir(name) + "/" + name
	if got != want {
		t.Fatalf("BlobPath = %q, want %q", got, want)
	}
}

func TestMirrorURL(t *testing.T) {
	got := MirrorURL("https://example.org", "foo.tar.gz")
	want := "https://example.org/distfiles/" + DigestDir("foo.tar.gz") + "/foo.tar.gz"
	if got != want {
		t.Fatalf("MirrorURL = %q, want %q", got, want)
	}
}

func TestSanitizeMirrorURL(t *testing.T) {
	if got := SanitizeMirrorURL("https://example.org/"); got != "https://example.org" {
		t.Fatalf("SanitizeMirrorURL = %q", got)
	}
	if got := SanitizeMirrorURL("https://example.org"); got != "https://example.org" {
		t.Fatalf("SanitizeMirrorURL = %q", got)
	}
}

func TestValidFilename(t *testing.T) {
	cases := map[string]bool{
		"foo.tar.gz": true,
		"":           false,
		"a/b":        false,
		"/etc/passwd": false,
	}
	for name, want := range cases {
		if got := ValidFilename(name); got != want {
			t.Errorf("ValidFilename(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCanonicalLayoutBytes(t *testing.T) {
	want := "[structure]\n0=filename-hash BLAKE2B 8\n"
	if CanonicalLayout != want {
		t.Fatalf("CanonicalLayout = %q, want %q", CanonicalLayout, want)
	}
}
