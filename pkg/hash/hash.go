// Package hash provides the opaque content fingerprint used by the watcher
// to distinguish genuine content changes from spurious or duplicate
// filesystem notifications. A Hash is compared only for equality; it carries
// no ordering or semantic meaning beyond "same content or not".
package hash

import "bytes"

// Hash is an opaque content fingerprint. The zero value is not a valid Hash
// for a real file or directory; use Directory for the directory sentinel or
// construct one via a Hasher.
type Hash struct {
	// isDirectory marks this as the reserved DIRECTORY sentinel rather than a
	// file content fingerprint.
	isDirectory bool
	// sum holds the fingerprint bytes for non-directory hashes.
	sum []byte
}

// Directory is the reserved sentinel value used to mark a path as a
// directory rather than a file. It is never equal to any file hash.
var Directory = Hash{isDirectory: true}

// New constructs a Hash from raw fingerprint bytes.
func New(sum []byte) Hash {
	cp := make([]byte, len(sum))
	copy(cp, sum)
	return Hash{sum: cp}
}

// IsDirectory reports whether this hash is the DIRECTORY sentinel.
func (h Hash) IsDirectory() bool {
	return h.isDirectory
}

// Bytes returns the raw fingerprint bytes. It returns nil for the directory
// sentinel.
func (h Hash) Bytes() []byte {
	return h.sum
}

// Equal implements the pure structural equality required by spec: the
// DIRECTORY sentinel is equal only to itself, and two file hashes are equal
// iff their underlying bytes match.
func (h Hash) Equal(other Hash) bool {
	if h.isDirectory || other.isDirectory {
		return h.isDirectory == other.isDirectory
	}
	return bytes.Equal(h.sum, other.sum)
}

// String returns a short hex representation, primarily for logging.
func (h Hash) String() string {
	if h.isDirectory {
		return "<directory>"
	}
	return hexEncode(h.sum)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
