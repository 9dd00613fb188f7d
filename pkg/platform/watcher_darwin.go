//go:build darwin && cgo
// +build darwin,cgo

package platform

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mutagen-io/fsevents"
	"github.com/pkg/errors"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
	"github.com/kestrelwatch/dirwatcher/pkg/treewalk"
)

// RecursionSupported is true on this backend: FSEvents is inherently
// recursive and a single stream watches an entire subtree.
const RecursionSupported = true

// SynthesizesNestedCreates is true on this backend: diffDirectory already
// recurses into newly created subdirectories and reports every descendant
// as its own CREATE, so callers never need to walk a freshly created
// directory themselves.
const SynthesizesNestedCreates = true

const (
	darwinEventChannelCapacity = 50
	darwinCoalescingLatencyMin = 0.1
)

// darwinBaseFlags are the FSEvents stream flags used for every
// registration regardless of configuration. NoDefer delivers an isolated
// event immediately instead of waiting out a full coalescing window, which
// keeps single-change latency low without losing coalescing for bursts.
// WatchRoot lets us detect the root itself being removed or replaced.
const darwinBaseFlags = fsevents.NoDefer | fsevents.WatchRoot

// darwinWatcher implements Watcher on top of FSEvents. Each registered
// root gets its own fsevents.EventStream and its own goroutine; FSEvents
// already watches recursively, so there is exactly one stream per
// registration rather than one per directory.
//
// Because FSEvents reports changes at directory granularity (a callback
// names a directory, not the specific child that changed), this backend
// keeps an internal path -> hash map per root, separate from the shared
// Path State Store the Event Pipeline maintains downstream. On each
// callback it re-lists the affected directory and the cached map to
// synthesize CREATE/MODIFY/DELETE for the children that actually changed.
// This mirrors the original io.methvin.watcher Java implementation's split
// between MacOSXListeningCallback's own hashCodeMap and
// DirectoryWatcher's separate pathHashes.
type darwinWatcher struct {
	cfg Config

	// noHashHasher substitutes for cfg.Hasher when hashing is disabled: per
	// spec §4.4's configuration paragraph, disabling hashing must still make
	// every "new" observation compare as changed, which a constant hash
	// result cannot do.
	noHashHasher *hash.IncrementingHasher

	mu            sync.Mutex
	registrations map[string]*darwinRegistration
	closed        bool

	events chan RawEvent
	errs   chan error
}

type darwinRegistration struct {
	key    string
	root   string
	stream *fsevents.EventStream
	cancel chan struct{}

	mu     sync.Mutex
	hashes map[string]HashResult
}

// NewWatcher creates a platform Watcher for the current OS.
func NewWatcher(cfg Config) (Watcher, error) {
	cfg = normalizedConfig(cfg)
	return &darwinWatcher{
		cfg:           cfg,
		noHashHasher:  hash.NewIncrementingHasher(),
		registrations: make(map[string]*darwinRegistration),
		events:        make(chan RawEvent, cfg.QueueSize),
		errs:          make(chan error, 16),
	}, nil
}

func (w *darwinWatcher) Register(directory string, opts RegisterOptions) (string, error) {
	// Recursion is the only mode FSEvents offers; a non-recursive request
	// is satisfied the same way, since there is no cheaper alternative.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	root, err := filepath.Abs(directory)
	if err != nil {
		return "", errors.Wrap(err, "unable to resolve watch root")
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	key := uuid.NewString()
	reg := &darwinRegistration{
		key:    key,
		root:   root,
		cancel: make(chan struct{}),
		hashes: make(map[string]HashResult),
	}
	w.seedHashes(reg)

	// FileEvents asks for file-granularity callbacks when available, which
	// still arrive coalesced by directory in practice and are diffed the
	// same way regardless. It is forwarded from cfg.FileLevelEvents, and
	// forced on when hashing is disabled: the substitute incrementing
	// counter otherwise makes every directory tick look like a spurious
	// modification, since no two observations of a path could ever compare
	// equal at directory granularity.
	flags := darwinBaseFlags
	if w.cfg.FileLevelEvents || !w.cfg.Hashing || w.cfg.Hasher == nil {
		flags |= fsevents.FileEvents
	}

	rawEvents := make(chan []fsevents.Event, darwinEventChannelCapacity)
	reg.stream = &fsevents.EventStream{
		Events:  rawEvents,
		Paths:   []string{root},
		Latency: maxFloat(w.cfg.LatencySeconds, darwinCoalescingLatencyMin),
		Flags:   flags,
	}
	reg.stream.Start()
	w.registrations[key] = reg

	go w.run(reg, rawEvents)

	return key, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// seedHashes populates the per-registration hash map from the current
// state of disk, so the first batch of FSEvents callbacks has something
// meaningful to diff against instead of reporting every existing entry as
// a spurious CREATE.
func (w *darwinWatcher) seedHashes(reg *darwinRegistration) {
	for path := range treewalk.RecursiveList(treewalk.Default, reg.root) {
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		reg.hashes[path] = w.hashEntry(path, info)
	}
}

func (w *darwinWatcher) hashEntry(path string, info os.FileInfo) HashResult {
	if info.IsDir() {
		return HashResult{IsDirectory: true}
	}
	if !w.cfg.Hashing || w.cfg.Hasher == nil {
		// No real hasher configured: substitute an ever-incrementing counter
		// so every observation compares as changed (spec §4.4's final
		// configuration paragraph). IncrementingHasher.Hash never fails.
		h, _ := w.noHashHasher.Hash(path)
		return HashResult{Sum: h.Bytes()}
	}
	h, err := w.cfg.Hasher.Hash(path)
	if err != nil || h == nil {
		return HashResult{}
	}
	return *h
}

func (w *darwinWatcher) run(reg *darwinRegistration, rawEvents chan []fsevents.Event) {
	for {
		select {
		case <-reg.cancel:
			return
		case batch, ok := <-rawEvents:
			if !ok {
				return
			}
			w.processBatch(reg, batch)
		}
	}
}

func (w *darwinWatcher) processBatch(reg *darwinRegistration, batch []fsevents.Event) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, e := range batch {
		if e.Flags&(fsevents.Mount|fsevents.Unmount) != 0 {
			w.emitError(errors.New("volume mounted or unmounted under watch root"))
			continue
		}

		affected := e.Path
		listDir := affected

		switch {
		case e.Flags&fsevents.MustScanSubDirs != 0:
			// FSEvents coalesced or dropped the detailed per-item events for
			// this subtree (queue overflow); affected names the directory
			// that needs a fresh look. diffDirectory below walks affected's
			// entire on-disk subtree and reconciles it against reg.hashes,
			// which is the rescan this flag asks for, so there's nothing
			// special to do beyond handing it affected instead of dropping
			// the batch.
		case e.Flags&fsevents.ItemIsDir == 0:
			listDir = filepath.Dir(affected)
		}

		w.diffDirectory(reg, listDir)
	}
}

// diffDirectory recursively walks dir's entire on-disk subtree, compares it
// against the portion of reg.hashes rooted at dir, and emits
// CREATE/MODIFY/DELETE for whatever changed anywhere beneath dir, not just
// dir's immediate children. FSEvents reports changes at directory
// granularity and may coalesce several nested changes (or an entire
// "mkdir -p a/b/c"-style burst) into a single callback naming only the
// top-level directory, so a single-level listing would miss anything it
// coalesced below the first level. This mirrors
// MacOSXListeningWatchService.invoke in original_source, which recursively
// lists fileName's subtree (PathUtils.recursiveListFiles) and diffs that
// whole set against its hashCodeMap rather than re-listing one level at a
// time.
func (w *darwinWatcher) diffDirectory(reg *darwinRegistration, dir string) {
	if _, err := os.Lstat(dir); err != nil {
		if os.IsNotExist(err) {
			w.handleDirectoryGone(reg, dir)
			return
		}
		w.emitError(errors.Wrap(err, "unable to stat directory during diff"))
		return
	}

	currentPaths := treewalk.RecursiveList(treewalk.Default, dir)
	present := make(map[string]HashResult, len(currentPaths))
	for path := range currentPaths {
		info, err := os.Lstat(path)
		if err != nil {
			// A path that vanished mid-walk (or became unreadable) is left
			// out of present and falls through to the deletion pass below;
			// it isn't a reason to abandon the rest of the subtree.
			continue
		}
		present[path] = w.hashEntry(path, info)
	}

	// Sorted so a parent directory's CREATE/MODIFY is always emitted before
	// any child's, matching the order a caller building its own path-state
	// incrementally would expect.
	paths := make([]string, 0, len(present))
	for path := range present {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		newHash := present[path]
		old, existed := reg.hashes[path]

		if !existed {
			reg.hashes[path] = newHash
			w.emitRelative(reg, EventCreate, path, newHash.IsDirectory)
			continue
		}
		if newHash.IsDirectory != old.IsDirectory || (!newHash.IsDirectory && !sameHash(old, newHash)) {
			reg.hashes[path] = newHash
			w.emitRelative(reg, EventModify, path, newHash.IsDirectory)
		}
	}

	// Anything previously known at or under dir that's no longer present on
	// disk is a deletion, scoped to dir's subtree the same way
	// findDeletedFiles in original_source matches on a path prefix rather
	// than collapsing to direct children only.
	prefix := dir + string(filepath.Separator)
	var gone []string
	for path := range reg.hashes {
		if path != dir && !strings.HasPrefix(path, prefix) {
			continue
		}
		if _, ok := present[path]; ok {
			continue
		}
		gone = append(gone, path)
	}

	// Ranging over reg.hashes gives no ordering at all, but spec §8 P3 and
	// scenario 3 require every descendant's DELETE before the enclosing
	// directory's: "R/tree/t1", "R/tree/t2" before "R/tree/" itself. A
	// parent path always sorts before anything nested under it in ascending
	// order (it is a string prefix of its descendants), so descending path
	// order reverses that into children-before-parent at every nesting
	// level.
	sort.Sort(sort.Reverse(sort.StringSlice(gone)))
	for _, path := range gone {
		old := reg.hashes[path]
		delete(reg.hashes, path)
		w.emitRelative(reg, EventDelete, path, old.IsDirectory)
	}
}

func (w *darwinWatcher) handleDirectoryGone(reg *darwinRegistration, dir string) {
	w.removeSubtree(reg, dir)
	if dir != reg.root {
		return
	}
	// The registration's root itself is gone: there is nothing left to diff
	// against, so tear the stream down and tell the Pipeline the
	// registration key is no longer valid, the same way the Linux
	// IN_IGNORED and Windows failed-read paths retire their own
	// registrations. The DELETE just emitted by removeSubtree is already
	// queued ahead of this on w.events, so downstream sees it before the
	// invalidation.
	w.emitInvalidate(reg)
	_ = w.Unregister(reg.key)
}

func (w *darwinWatcher) emitInvalidate(reg *darwinRegistration) {
	select {
	case w.events <- RawEvent{Kind: EventInvalidate, RegistrationKey: reg.key}:
	default:
	}
}

func (w *darwinWatcher) removeSubtree(reg *darwinRegistration, root string) {
	wasDir := reg.hashes[root].IsDirectory
	prefix := root + string(filepath.Separator)
	for path := range reg.hashes {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(reg.hashes, path)
		}
	}
	w.emitRelative(reg, EventDelete, root, wasDir)
}

func sameHash(a, b HashResult) bool {
	if len(a.Sum) != len(b.Sum) {
		return false
	}
	for i := range a.Sum {
		if a.Sum[i] != b.Sum[i] {
			return false
		}
	}
	return true
}

func (w *darwinWatcher) emitRelative(reg *darwinRegistration, kind EventKind, path string, isDir bool) {
	name := ""
	if path != reg.root {
		rel, err := filepath.Rel(reg.root, path)
		if err != nil {
			return
		}
		name = rel
	}
	if w.cfg.Filter != nil && w.cfg.Filter(path) {
		return
	}
	select {
	case w.events <- RawEvent{Kind: kind, RegistrationKey: reg.key, Name: name, IsDirectoryHint: isDir}:
	default:
		select {
		case w.events <- RawEvent{Kind: EventOverflow, RegistrationKey: reg.key, Count: 1}:
		default:
		}
	}
}

func (w *darwinWatcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

func (w *darwinWatcher) Unregister(key string) error {
	w.mu.Lock()
	reg, ok := w.registrations[key]
	if ok {
		delete(w.registrations, key)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	close(reg.cancel)
	reg.stream.Stop()
	return nil
}

func (w *darwinWatcher) Events() <-chan RawEvent { return w.events }
func (w *darwinWatcher) Errors() <-chan error    { return w.errs }

func (w *darwinWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	regs := w.registrations
	w.registrations = make(map[string]*darwinRegistration)
	w.mu.Unlock()

	for _, reg := range regs {
		close(reg.cancel)
		reg.stream.Stop()
	}
	return nil
}
