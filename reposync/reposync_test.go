package reposync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"

	"github.com/xarblu/portcache/repodb"
)

func TestRepoDirName(t *testing.T) {
	cases := map[string]string{
		"https://example.org/repo.git":  "repo",
		"https://example.org/repo":      "repo",
		"https://example.org/repo.git/": "repo",
	}
	for in, want := range cases {
		if got := repoDirName(in); got != want {
			t.Errorf("repoDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

// newLocalRepo creates a real git repository on disk with one commit so
// it can be used as a clone source via a file:// path, the way go-git
// itself supports local remotes.
func newLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "metadata"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata", "layout.conf"), []byte("masters = gentoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("metadata/layout.conf"); err != nil {
		t.Fatal(err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.org", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestNewBootstrapsMissingClones(t *testing.T) {
	remoteDir := newLocalRepo(t)
	root := t.TempDir()

	db, err := repodb.Open(filepath.Join(root, "db.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s, err := New(context.Background(), root, []string{remoteDir}, db, stubRecipeParser{})
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("expected non-nil Syncer")
	}

	cloneDir := filepath.Join(root, "repos", filepath.Base(remoteDir))
	if _, err := os.Stat(filepath.Join(cloneDir, "metadata", "layout.conf")); err != nil {
		t.Fatalf("expected bootstrap clone to contain metadata/layout.conf: %v", err)
	}
}

func TestNewSkipsExistingCloneDirectory(t *testing.T) {
	remoteDir := newLocalRepo(t)
	root := t.TempDir()

	cloneDir := filepath.Join(root, "repos", filepath.Base(remoteDir))
	if err := os.MkdirAll(cloneDir, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(cloneDir, "marker")
	if err := os.WriteFile(marker, []byte("preexisting"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := repodb.Open(filepath.Join(root, "db.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := New(context.Background(), root, []string{remoteDir}, db, stubRecipeParser{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("existing clone directory should be left untouched: %v", err)
	}
}

type stubRecipeParser struct {
	result map[string][]string
	err    error
}

func (s stubRecipeParser) Parse(ctx context.Context, recipePath string) (map[string][]string, error) {
	return s.result, s.err
}

func TestParseManifestsAndEbuildsEndToEnd(t *testing.T) {
	root := t.TempDir()
	repoRoot := filepath.Join(root, "repos", "gentoo")
	pkgDir := filepath.Join(repoRoot, "app-misc", "foo")
	if err := os.MkdirAll(filepath.Join(repoRoot, "metadata"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, "metadata", "layout.conf"), []byte("masters = gentoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "Manifest"), []byte("DIST foo-1.0.tar.gz 100 BLAKE2B aa SHA512 bb\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "foo-1.0.ebuild"), []byte("# stub ebuild\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := repodb.Open(filepath.Join(root, "db.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	parser := stubRecipeParser{result: map[string][]string{
		"foo-1.0.tar.gz": {"https://example.org/foo-1.0.tar.gz"},
	}}
	s := &Syncer{root: root, db: db, parser: parser, interval: time.Hour}

	ctx := context.Background()
	changed, err := s.parseManifests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 {
		t.Fatalf("expected exactly one changed origin, got %v", changed)
	}

	s.parseEbuilds(ctx, changed)

	uris, err := db.GetSrcURI(ctx, "foo-1.0.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if len(uris) != 1 || uris[0] != "https://example.org/foo-1.0.tar.gz" {
		t.Fatalf("GetSrcURI = %v", uris)
	}
}
