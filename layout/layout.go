// Package layout implements the pure, side-effect-free mapping between a
// distfile name and the three places it shows up: the on-disk digest
// directory, the local blob path rooted at the storage directory, and the
// URL suffix a mirror publishes it under.
//
// All three follow the same "filename-hash BLAKE2B 8" layout that Portage
// mirrors advertise in distfiles/layout.conf: a distfile is sharded into
// one of 256 two-hex-character directories keyed by the first byte of the
// BLAKE2b-512 digest of its own filename.
package layout

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CanonicalLayout is the exact body a mirror (or this service) must serve
// at /distfiles/layout.conf for its digest-directory scheme to be
// recognized.
const CanonicalLayout = "[structure]\n0=filename-hash BLAKE2B 8\n"

// DigestDir returns the two lowercase hex character directory a distfile
// named filename is sharded into: hex(BLAKE2b-512(filename)[0]).
//
// This function is pure and total; it never fails and accepts any string,
// including ones containing '/'  (callers that require a bare filename,
// such as the HTTP front-end, validate that separately).
func DigestDir(filename string) string {
	sum := blake2b.Sum512([]byte(filename))
	return hex.EncodeToString(sum[:1])
}

// BlobPath returns the absolute on-disk path a complete copy of filename
// is stored at, rooted at root: root/distfiles/<digest>/<filename>.
func BlobPath(root, filename string) string {
	return filepath.Join(root, "distfiles", DigestDir(filename), filename)
}

// BlobDir returns the digest directory containing BlobPath(root, filename),
// i.e. BlobPath's parent.
func BlobDir(root, filename string) string {
	return filepath.Join(root, "distfiles", DigestDir(filename))
}

// MirrorURL returns the URL a mirror publishing the canonical
// filename-hash-BLAKE2B-8 layout serves filename at, given the mirror's
// base URL (trailing slash already stripped by SanitizeMirrorURL).
func MirrorURL(mirrorURL, filename string) string {
	return strings.Join([]string{mirrorURL, "distfiles", DigestDir(filename), filename}, "/")
}

// LayoutURL returns the URL a mirror's layout.conf is published at.
func LayoutURL(mirrorURL string) string {
	return mirrorURL + "/distfiles/layout.conf"
}

// SanitizeMirrorURL strips a trailing '/' from a mirror's configured URL,
// so MirrorURL/LayoutURL never produce a doubled slash.
func SanitizeMirrorURL(u string) string {
	return strings.TrimSuffix(u, "/")
}

// ValidFilename reports whether name is an acceptable distfile name: any
// non-empty string not containing a path separator. Length is otherwise
// unconstrained.
func ValidFilename(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}
