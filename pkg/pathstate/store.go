// Package pathstate implements the Path State Store: the ordered
// path-to-hash map, known-directories set, and registration bookkeeping
// that the Event Pipeline uses to attribute raw platform notifications to
// user roots and to deduplicate events.
//
// No ordered-map or B-tree dependency appears anywhere in this module's
// dependency surface (see DESIGN.md), so the subtree range queries this
// package supports are built the way the original io.methvin.watcher
// implementation's backing ConcurrentSkipListMap behaves logically: a
// sorted index of keys supporting a prefix range query, here realized with
// a sorted []string and binary search rather than a skip list, since Go's
// standard library sort package already gives O(log n) range bounds
// without a third-party tree structure.
package pathstate

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
)

// Entry is a single (path, hash) pair returned from a subtree query.
type Entry struct {
	Path string
	Hash hash.Hash
}

// Store is the Path State Store. It is owned exclusively by the Event
// Pipeline goroutine; Put/Remove/Get/Subtree are not safe for concurrent
// use by design: mutated only by the Pipeline goroutine, read-only
// everywhere else. The registration maps, which are also consulted by
// native callback goroutines on some backends, are kept in a separate,
// lock-guarded section below.
type Store struct {
	keys        []string // kept sorted
	hashes      map[string]hash.Hash
	directories map[string]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		hashes:      make(map[string]hash.Hash),
		directories: make(map[string]struct{}),
	}
}

// Put records (or replaces) the hash for path.
func (s *Store) Put(path string, h hash.Hash) {
	if _, exists := s.hashes[path]; !exists {
		s.insertKey(path)
	}
	s.hashes[path] = h
	if h.IsDirectory() {
		s.directories[path] = struct{}{}
	}
}

// Get returns the stored hash for path and whether it was present.
func (s *Store) Get(path string) (hash.Hash, bool) {
	h, ok := s.hashes[path]
	return h, ok
}

// Remove deletes path from the store (and from the known-directories set,
// if present). It reports whether the path was known.
func (s *Store) Remove(path string) bool {
	if _, ok := s.hashes[path]; !ok {
		return false
	}
	delete(s.hashes, path)
	delete(s.directories, path)
	s.removeKey(path)
	return true
}

// Len returns the number of entries in the store.
func (s *Store) Len() int {
	return len(s.keys)
}

// Subtree returns every (path, hash) entry whose path equals prefix or
// starts with prefix followed by a path separator, in ascending path order.
// A sibling such as "/a-backup" must NOT be included in the subtree of
// "/a", so the descendant range is bounded using prefix+separator rather
// than prefix alone.
func (s *Store) Subtree(prefix string) []Entry {
	entries := make([]Entry, 0)
	if h, ok := s.hashes[prefix]; ok {
		entries = append(entries, Entry{Path: prefix, Hash: h})
	}
	lo, hi := s.descendantBounds(prefix)
	for _, k := range s.keys[lo:hi] {
		entries = append(entries, Entry{Path: k, Hash: s.hashes[k]})
	}
	return entries
}

// RemoveSubtree removes and returns every entry in the subtree rooted at
// prefix, in ascending path order. Used by DELETE handling, which must
// emit one DELETE per surviving descendant, ordered by path.
func (s *Store) RemoveSubtree(prefix string) []Entry {
	entries := s.Subtree(prefix)
	for _, e := range entries {
		s.Remove(e.Path)
	}
	return entries
}

// maxUnicodeCodepoint is the highest valid Unicode scalar value; its UTF-8
// encoding sorts after the encoding of any printable path character, so
// prefix+separator+maxUnicodeCodepoint is a safe exclusive upper bound for
// "everything nested under prefix".
const maxUnicodeCodepoint = '\U0010FFFF'

// descendantBounds returns the half-open [lo, hi) index range within
// s.keys covering only entries strictly nested under prefix (i.e.
// prefix followed by a path separator), excluding prefix itself and
// excluding siblings that merely share prefix as a string prefix.
func (s *Store) descendantBounds(prefix string) (int, int) {
	sep := string(filepath.Separator)
	base := prefix
	if !strings.HasSuffix(base, sep) {
		base += sep
	}
	lo := sort.SearchStrings(s.keys, base)
	boundary := base + string(maxUnicodeCodepoint)
	hi := sort.SearchStrings(s.keys, boundary)
	return lo, hi
}

func (s *Store) insertKey(path string) {
	i := sort.SearchStrings(s.keys, path)
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = path
}

func (s *Store) removeKey(path string) {
	i := sort.SearchStrings(s.keys, path)
	if i < len(s.keys) && s.keys[i] == path {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
}

// IsKnownDirectory reports whether path is recorded in the known-directories
// set.
func (s *Store) IsKnownDirectory(path string) bool {
	_, ok := s.directories[path]
	return ok
}

// AddDirectory marks path as a known directory without requiring a hash
// entry (used when hashing is disabled).
func (s *Store) AddDirectory(path string) {
	if _, exists := s.hashes[path]; !exists {
		s.insertKey(path)
		s.hashes[path] = hash.Directory
	}
	s.directories[path] = struct{}{}
}

// RemoveDirectory removes path from the known-directories set and reports
// whether it was present. Used by the no-hasher DELETE path.
func (s *Store) RemoveDirectory(path string) bool {
	_, ok := s.directories[path]
	delete(s.directories, path)
	return ok
}

// ReadOnlyView is the external, read-only projection of the store exposed
// to listeners as the current path-hash table; unlike the original Java
// implementation's UnsupportedOperationException-throwing wrapper, there is
// simply no mutating method exposed here.
type ReadOnlyView struct {
	store *Store
}

// View returns a read-only view of the store.
func (s *Store) View() ReadOnlyView {
	return ReadOnlyView{store: s}
}

// Get returns the stored hash for path.
func (v ReadOnlyView) Get(path string) (hash.Hash, bool) {
	return v.store.Get(path)
}

// Subtree returns every entry under prefix.
func (v ReadOnlyView) Subtree(prefix string) []Entry {
	return v.store.Subtree(prefix)
}

// Len returns the number of entries in the store.
func (v ReadOnlyView) Len() int {
	return v.store.Len()
}

// Registrations holds two maps: registrationKey -> registered directory,
// and registered directory -> user root. Unlike Store, this is guarded by a
// mutex, so it can be read from goroutines other than the Pipeline's. No
// platform backend reads it; the Pipeline and the registration manager
// are its only users in this module.
type Registrations struct {
	mu              sync.RWMutex
	keyToDirectory  map[string]string
	directoryToRoot map[string]string
}

// NewRegistrations creates an empty Registrations table.
func NewRegistrations() *Registrations {
	return &Registrations{
		keyToDirectory:  make(map[string]string),
		directoryToRoot: make(map[string]string),
	}
}

// Register records that registrationKey watches directory, which belongs
// to the subtree rooted at userRoot.
func (r *Registrations) Register(registrationKey, directory, userRoot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyToDirectory[registrationKey] = directory
	r.directoryToRoot[directory] = userRoot
}

// Resolve maps a registration key back to its directory and user root. ok
// reports whether both the key and its directory were known.
func (r *Registrations) Resolve(registrationKey string) (directory, root string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	directory, ok = r.keyToDirectory[registrationKey]
	if !ok {
		return "", "", false
	}
	root, ok = r.directoryToRoot[directory]
	return directory, root, ok
}

// RootFor resolves a directory directly to its user root, without going
// through a registration key.
func (r *Registrations) RootFor(directory string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.directoryToRoot[directory]
	return root, ok
}

// Invalidate drops both mappings for registrationKey and reports whether
// no registration remains afterward.
func (r *Registrations) Invalidate(registrationKey string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if directory, ok := r.keyToDirectory[registrationKey]; ok {
		delete(r.keyToDirectory, registrationKey)
		delete(r.directoryToRoot, directory)
	}
	return len(r.keyToDirectory) == 0
}

// InvalidateDirectory drops the registration for the given directory
// directly (used on unregister paths that don't carry an explicit key).
func (r *Registrations) InvalidateDirectory(directory string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.directoryToRoot, directory)
	for k, d := range r.keyToDirectory {
		if d == directory {
			delete(r.keyToDirectory, k)
		}
	}
	return len(r.keyToDirectory) == 0
}

// Empty reports whether there are no remaining registrations.
func (r *Registrations) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keyToDirectory) == 0
}
