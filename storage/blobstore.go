// Package storage implements the caching core: a content-addressed blob
// store with single-flight fetch coalescing (BlobStorage) backed by a
// multi-mirror, URI-index-falling-back downloader (Fetcher).
package storage

import (
	"context"
	"os"
	"sync"

	"github.com/xarblu/portcache/internal/dcontext"
	"github.com/xarblu/portcache/layout"
)

// Downloader populates layout.BlobPath(root, filename) with a complete,
// successfully downloaded blob. It is satisfied by *Fetcher; BlobStorage
// depends on the interface so tests can stub it.
type Downloader interface {
	Fetch(ctx context.Context, filename string) error
}

// fetchResult is sent to a waiter to tell it what the leader decided.
type fetchResult int

const (
	// resultSuccess means the blob is now present; the waiter may return it.
	resultSuccess fetchResult = iota
	// resultRetry means the leader failed and this waiter has been elected
	// to try again, starting a new leadership round.
	resultRetry
)

// fetchJob is the coordination object for a single in-flight download of
// one filename (spec's FetchJob). waiters holds one buffered channel per
// requester that arrived after the leader; the leader itself is not in
// this slice.
type fetchJob struct {
	waiters []chan fetchResult
}

// BlobStorage is a content-addressed store with at-most-one concurrent
// download per filename. It never mutates an already-complete blob.
type BlobStorage struct {
	root    string
	fetcher Downloader
	mu      sync.Mutex
	jobs    map[string]*fetchJob
}

// NewBlobStorage returns a BlobStorage rooted at root, downloading misses
// through fetcher.
func NewBlobStorage(root string, fetcher Downloader) *BlobStorage {
	return &BlobStorage{
		root:    root,
		fetcher: fetcher,
		jobs:    make(map[string]*fetchJob),
	}
}

// Request returns the local path to a complete copy of filename, fetching
// it first if necessary. At most one concurrent Fetcher.Fetch call is ever
// in flight per filename; concurrent callers for the same missing file
// coalesce onto that single download.
func (bs *BlobStorage) Request(ctx context.Context, filename string) (string, error) {
	p := layout.BlobPath(bs.root, filename)

	bs.mu.Lock()
	job, inFlight := bs.jobs[filename]
	if inFlight {
		ch := make(chan fetchResult, 1)
		job.waiters = append(job.waiters, ch)
		bs.mu.Unlock()

		select {
		case res := <-ch:
			if res == resultSuccess {
				return p, nil
			}
			// resultRetry: the leader failed and handed the job entry
			// (still present in bs.jobs) to us; we lead the next round.
			return bs.lead(ctx, filename, p)
		case <-ctx.Done():
			bs.mu.Lock()
			if job, ok := bs.jobs[filename]; ok {
				for i, w := range job.waiters {
					if w == ch {
						job.waiters = append(job.waiters[:i], job.waiters[i+1:]...)
						bs.mu.Unlock()
						return "", ctx.Err()
					}
				}
			}
			bs.mu.Unlock()

			// Lost the race: lead() already dequeued ch and sent an
			// election result before we could remove ourselves. Honor
			// it instead of leaving the job permanently wedged with no
			// leader.
			res := <-ch
			if res == resultSuccess {
				return p, nil
			}
			return bs.lead(ctx, filename, p)
		}
	}

	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		bs.mu.Unlock()
		return p, nil
	}

	// No job and no file: become leader.
	bs.jobs[filename] = &fetchJob{}
	bs.mu.Unlock()

	return bs.lead(ctx, filename, p)
}

// lead runs the download as the elected leader for filename and resolves
// the job, handing off leadership to a waiter on failure or broadcasting
// success to every waiter.
func (bs *BlobStorage) lead(ctx context.Context, filename, p string) (string, error) {
	fetchErr := bs.fetcher.Fetch(ctx, filename)

	bs.mu.Lock()
	job := bs.jobs[filename]

	if fetchErr == nil {
		for _, w := range job.waiters {
			w <- resultSuccess
		}
		delete(bs.jobs, filename)
		bs.mu.Unlock()
		return p, nil
	}

	// Failure: unlink any partial file left behind, then either elect a
	// waiter to retry or drop the job if nobody is left to hand it to.
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		dcontext.GetLogger(ctx).Warnf("portcache: cleanup of partial blob %s failed: %v", p, err)
	}

	if len(job.waiters) > 0 {
		next := job.waiters[0]
		job.waiters = job.waiters[1:]
		next <- resultRetry
	} else {
		delete(bs.jobs, filename)
	}
	bs.mu.Unlock()

	return "", fetchErr
}
