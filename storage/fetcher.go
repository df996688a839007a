package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/xarblu/portcache/internal/dcontext"
	"github.com/xarblu/portcache/layout"
)

// ErrNoMirrors is returned by NewFetcher when constructed with an empty
// mirror list; the fetcher needs at least one mirror to round-robin over.
var ErrNoMirrors = errors.New("portcache: fetcher requires at least one mirror")

// errAllSourcesFailed is returned by Fetch when neither the mirror pool
// nor the URI-index fallback produced a complete file.
var errAllSourcesFailed = errors.New("portcache: no source produced the distfile")

// URIIndex resolves alternative source URIs for a filename from the
// repo-derived index (RepoDB.GetSrcURI).
type URIIndex interface {
	GetSrcURI(ctx context.Context, filename string) ([]string, error)
}

// FetcherMetrics counts outbound fetch attempts by outcome, exposed by the
// supervisor's debug server.
type FetcherMetrics interface {
	ObserveAttempt(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(string) {}

// Fetcher downloads a distfile by trying each configured mirror in
// round-robin order, then falling back to URIs recorded by RepoSyncer.
type Fetcher struct {
	root    string
	mirrors []string
	cursor  atomic.Uint64

	uris    URIIndex
	metrics FetcherMetrics

	httpClient    *http.Client
	layoutTimeout time.Duration
}

// FetcherOption configures optional Fetcher behavior.
type FetcherOption func(*Fetcher)

// WithMetrics attaches a counter for outbound attempt outcomes.
func WithMetrics(m FetcherMetrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLayoutTimeout overrides the default short timeout used for the
// layout.conf discovery request.
func WithLayoutTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.layoutTimeout = d }
}

// WithHTTPClient overrides the default HTTP client used for both layout
// discovery and body download requests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.httpClient = c }
}

// NewFetcher returns a Fetcher rooted at root, round-robining over
// mirrors (sanitized: trailing '/' stripped) and falling back to uris
// when no mirror carries a file. mirrors must be non-empty.
func NewFetcher(root string, mirrors []string, uris URIIndex, opts ...FetcherOption) (*Fetcher, error) {
	if len(mirrors) == 0 {
		return nil, ErrNoMirrors
	}
	sanitized := make([]string, len(mirrors))
	for i, m := range mirrors {
		sanitized[i] = layout.SanitizeMirrorURL(m)
	}

	f := &Fetcher{
		root:    root,
		mirrors: sanitized,
		uris:    uris,
		metrics: noopMetrics{},
		httpClient: &http.Client{
			Transport: &http.Transport{},
		},
		layoutTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// selectMirror advances the round-robin cursor atomically and returns the
// next mirror to try. Progress is guaranteed across concurrent callers;
// strict fairness is not (spec.md §9).
func (f *Fetcher) selectMirror() string {
	i := f.cursor.Add(1) - 1
	return f.mirrors[int(i%uint64(len(f.mirrors)))]
}

// Fetch populates layout.BlobPath(root, filename) with a complete
// download, trying up to len(mirrors) distinct mirrors in round-robin
// order and then the repo-derived URI index.
func (f *Fetcher) Fetch(ctx context.Context, filename string) error {
	p := layout.BlobPath(f.root, filename)
	logger := dcontext.GetLogger(ctx)

	for attempt := 0; attempt < len(f.mirrors); attempt++ {
		mirror := f.selectMirror()

		if !f.mirrorServesCanonicalLayout(ctx, mirror) {
			f.metrics.ObserveAttempt("layout_mismatch")
			logger.Debugf("portcache: mirror %s: unrecognized or unreachable layout, skipping", mirror)
			continue
		}

		if err := f.fetchFromMirror(ctx, mirror, filename, p); err != nil {
			f.metrics.ObserveAttempt("mirror_error")
			logger.Warnf("portcache: mirror %s: %s: %v", mirror, filename, err)
			continue
		}

		f.metrics.ObserveAttempt("mirror_hit")
		return nil
	}

	uris, err := f.uris.GetSrcURI(ctx, filename)
	if err != nil {
		logger.Warnf("portcache: repo db lookup for %s failed: %v", filename, err)
		uris = nil
	}

	for _, uri := range uris {
		if err := f.fetchFromURI(ctx, uri, p); err != nil {
			f.metrics.ObserveAttempt("uri_error")
			logger.Warnf("portcache: source uri %s: %v", uri, err)
			continue
		}
		f.metrics.ObserveAttempt("uri_hit")
		return nil
	}

	f.metrics.ObserveAttempt("exhausted")
	return fmt.Errorf("%w: %s", errAllSourcesFailed, filename)
}

// mirrorServesCanonicalLayout fetches <mirror>/distfiles/layout.conf and
// reports whether its body is exactly the canonical filename-hash
// BLAKE2B 8 layout. A short, dedicated timeout keeps a slow or dead
// mirror from stalling the whole round-robin pass.
func (f *Fetcher) mirrorServesCanonicalLayout(ctx context.Context, mirror string) bool {
	ctx, cancel := context.WithTimeout(ctx, f.layoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layout.LayoutURL(mirror), nil)
	if err != nil {
		return false
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(len(layout.CanonicalLayout))+1))
	if err != nil {
		return false
	}
	return string(body) == layout.CanonicalLayout
}

func (f *Fetcher) fetchFromMirror(ctx context.Context, mirror, filename, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layout.MirrorURL(mirror, filename), nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return store(p, resp.Body)
}

func (f *Fetcher) fetchFromURI(ctx context.Context, uri, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return store(p, resp.Body)
}

// store streams body to p, creating its digest directory if needed.
// If p already exists, another writer has already completed it and store
// returns nil without touching it. On any error while copying, the
// partial file is removed so p is left either absent or complete.
func store(p string, body io.Reader) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}

	if err := os.MkdirAll(dirOf(p), 0o755); err != nil {
		return fmt.Errorf("creating digest directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Another writer beat us between the Stat above and this
			// Create; the storage guarantee (complete file at p) stands.
			return nil
		}
		return err
	}

	w := bufio.NewWriter(f)
	if _, err := io.Copy(w, body); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("flushing blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return fmt.Errorf("closing blob: %w", err)
	}
	return nil
}

func dirOf(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return p[:i]
}
