// Package frontend implements portcache's two read-only HTTP routes on
// top of a gorilla/mux router, the same router
// distribution/distribution's registry/handlers.App dispatches through.
package frontend

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/xarblu/portcache/internal/dcontext"
	"github.com/xarblu/portcache/internal/requestutil"
	"github.com/xarblu/portcache/layout"
)

// BlobRequester resolves a filename to a local path, fetching it first
// if necessary. Satisfied by *storage.BlobStorage.
type BlobRequester interface {
	Request(ctx context.Context, filename string) (string, error)
}

// NewRouter builds the two-route portcache front-end: layout.conf
// discovery and digest-sharded distfile serving, exactly as spec.md
// §4.8 describes.
func NewRouter(blobs BlobRequester) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/distfiles/layout.conf", layoutHandler).Methods(http.MethodGet)
	r.HandleFunc("/distfiles/{digest}/{file}", distfileHandler(blobs)).Methods(http.MethodGet)

	return r
}

func layoutHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, layout.CanonicalLayout)
}

func distfileHandler(blobs BlobRequester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		digest, file := vars["digest"], vars["file"]

		if !layout.ValidFilename(digest) || !layout.ValidFilename(file) {
			http.Error(w, "invalid digest or filename", http.StatusBadRequest)
			return
		}
		if digest != layout.DigestDir(file) {
			http.Error(w, "digest does not match filename", http.StatusBadRequest)
			return
		}

		path, err := blobs.Request(r.Context(), file)
		if err != nil {
			dcontext.GetLogger(r.Context()).Infof("frontend: %s: %v (remote %s)", file, err, requestutil.RemoteAddr(r))
			http.NotFound(w, r)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			dcontext.GetLogger(r.Context()).Warnf("frontend: opening resolved blob %s: %v", path, err)
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, file, modTime(f), f)
	}
}

func modTime(f *os.File) time.Time {
	fi, err := f.Stat()
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
