package frontend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/xarblu/portcache/layout"
)

type stubBlobs struct {
	path    string
	err     error
	calls   int
	lastArg string
}

func (s *stubBlobs) Request(ctx context.Context, filename string) (string, error) {
	s.calls++
	s.lastArg = filename
	return s.path, s.err
}

func TestLayoutConfRoute(t *testing.T) {
	r := NewRouter(&stubBlobs{})
	req := httptest.NewRequest(http.MethodGet, "/distfiles/layout.conf", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Body.String() != layout.CanonicalLayout {
		t.Fatalf("body = %q, want %q", w.Body.String(), layout.CanonicalLayout)
	}
}

func TestDistfileRouteServesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/foo.tar.gz"
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	blobs := &stubBlobs{path: path}
	r := NewRouter(blobs)

	digest := layout.DigestDir("foo.tar.gz")
	req := httptest.NewRequest(http.MethodGet, "/distfiles/"+digest+"/foo.tar.gz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if blobs.calls != 1 || blobs.lastArg != "foo.tar.gz" {
		t.Fatalf("unexpected Request call: calls=%d arg=%q", blobs.calls, blobs.lastArg)
	}
}

func TestDistfileRouteRejectsDigestMismatch(t *testing.T) {
	blobs := &stubBlobs{}
	r := NewRouter(blobs)

	req := httptest.NewRequest(http.MethodGet, "/distfiles/zz/foo.tar.gz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if blobs.calls != 0 {
		t.Fatalf("expected no fetch attempt on digest mismatch, got %d calls", blobs.calls)
	}
}

func TestDistfileRouteReturns404OnFetchFailure(t *testing.T) {
	blobs := &stubBlobs{err: errors.New("no source")}
	r := NewRouter(blobs)

	digest := layout.DigestDir("missing.tar.gz")
	req := httptest.NewRequest(http.MethodGet, "/distfiles/"+digest+"/missing.tar.gz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
