// Package manifest walks a synced package-tree checkout and lazily
// emits the DIST entries recorded in each package's Manifest file.
//
// The walk shape follows distribution/distribution's tag/digest
// directory walks; the lazy, pull-based emission follows
// quay/claircore's internal/rpm.FindDBs/Packages convention of handing
// back an iter.Seq paired with a deferred error accessor instead of
// collecting everything into a slice up front.
package manifest

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xarblu/portcache/internal/dcontext"
)

// Entry is one DIST line of a package's Manifest file: a distfile this
// package's ebuilds reference, with whichever digests the line carried.
type Entry struct {
	// Origin is "<category>/<package>", the ebuild tree directory the
	// Manifest file was found in.
	Origin string
	// File is the distfile name, the DIST line's second field.
	File string
	// Size is the DIST line's declared byte size.
	Size int64
	// BLAKE2B and SHA512 are hex digests parsed for the same file from
	// the Manifest; either may be empty if the Manifest omitted it.
	BLAKE2B string
	SHA512  string
}

// ErrNoLayout is returned by NewWalker when root does not look like a
// package tree: it requires metadata/layout.conf to be present, the same
// marker Portage itself uses to recognize a valid repository.
type ErrNoLayout struct{ Root string }

func (e *ErrNoLayout) Error() string {
	return fmt.Sprintf("manifest: %s: metadata/layout.conf not found, not a package tree", e.Root)
}

// Walker walks one synced package tree's Manifest files.
type Walker struct {
	root string
}

// NewWalker returns a Walker over the package tree rooted at root. It
// requires root/metadata/layout.conf to exist.
func NewWalker(root string) (*Walker, error) {
	if _, err := os.Stat(filepath.Join(root, "metadata", "layout.conf")); err != nil {
		return nil, &ErrNoLayout{Root: root}
	}
	return &Walker{root: root}, nil
}

// All walks every <category>/<package>/Manifest file under the tree root
// and lazily yields each DIST entry it contains, depth-first in
// directory read order. The returned error accessor reports the first
// fatal walk error (reading the root or a category directory, or ctx
// being cancelled); per-file I/O errors, including a Manifest that is
// missing or cannot be opened, are not fatal — parsing simply stops for
// that one file and the walk continues with the next package.
func (w *Walker) All(ctx context.Context) (iter.Seq[Entry], func() error) {
	var final error

	seq := func(yield func(Entry) bool) {
		categories, err := os.ReadDir(w.root)
		if err != nil {
			final = fmt.Errorf("manifest: reading %s: %w", w.root, err)
			return
		}

		for _, cat := range categories {
			if ctx.Err() != nil {
				final = ctx.Err()
				return
			}
			if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") || cat.Name() == "metadata" || cat.Name() == "eclass" {
				continue
			}
			catPath := filepath.Join(w.root, cat.Name())

			pkgs, err := os.ReadDir(catPath)
			if err != nil {
				final = fmt.Errorf("manifest: reading %s: %w", catPath, err)
				return
			}

			for _, pkg := range pkgs {
				if ctx.Err() != nil {
					final = ctx.Err()
					return
				}
				if !pkg.IsDir() {
					continue
				}
				origin := cat.Name() + "/" + pkg.Name()
				mpath := filepath.Join(catPath, pkg.Name(), "Manifest")

				if !emitManifest(ctx, mpath, origin, yield) {
					return
				}
			}
		}
	}

	return seq, func() error { return final }
}

// emitManifest parses one Manifest file and yields its DIST entries. It
// returns false only when yield itself asked to stop; a missing or
// unreadable Manifest, or a mid-file scan error, simply ends this file's
// contribution and the caller keeps walking.
func emitManifest(ctx context.Context, path, origin string, yield func(Entry) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	pending := make(map[string]*Entry)
	order := make([]string, 0, 4)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())

		var name string
		var size int64
		haveName, haveSize := false, false
		var blake2b, sha512 string

		for i := 0; i < len(fields); i++ {
			switch fields[i] {
			case "DIST":
				if i+2 < len(fields) {
					if s, err := strconv.ParseInt(fields[i+2], 10, 64); err == nil {
						name = fields[i+1]
						size = s
						haveName, haveSize = true, true
					} else {
						dcontext.GetLogger(ctx).Warnf("manifest: %s: DIST line with non-numeric size, skipping: %q", path, sc.Text())
					}
				} else {
					dcontext.GetLogger(ctx).Warnf("manifest: %s: DIST line missing file or size, skipping: %q", path, sc.Text())
				}
			case "BLAKE2B":
				if i+1 < len(fields) {
					blake2b = fields[i+1]
				}
			case "SHA512":
				if i+1 < len(fields) {
					sha512 = fields[i+1]
				}
			}
		}

		switch {
		case haveName && haveSize:
			if _, ok := pending[name]; !ok {
				order = append(order, name)
			}
			e := &Entry{Origin: origin, File: name, Size: size}
			e.BLAKE2B, e.SHA512 = blake2b, sha512
			pending[name] = e
		case blake2b != "" || sha512 != "":
			if e := lastPending(pending, order); e != nil {
				if blake2b != "" {
					e.BLAKE2B = blake2b
				}
				if sha512 != "" {
					e.SHA512 = sha512
				}
			}
		}
	}

	for _, name := range order {
		e := pending[name]
		if !yield(*e) {
			return false
		}
	}
	return true
}

func lastPending(pending map[string]*Entry, order []string) *Entry {
	if len(order) == 0 {
		return nil
	}
	return pending[order[len(order)-1]]
}
