// Package pipeline implements the Event Pipeline: the single consumer
// loop that drains raw platform notifications, applies hash-based
// deduplication against the shared Path State Store, synthesizes CREATE
// events for content that appeared inside a new directory faster than its
// registration could keep up, and dispatches the resulting typed events to
// a listener. It is grounded directly on
// io.methvin.watcher.DirectoryWatcher's watch() loop from
// original_source, translated from its blocking WatchService.take() call
// into a select over Go channels.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
	"github.com/kestrelwatch/dirwatcher/pkg/logging"
	"github.com/kestrelwatch/dirwatcher/pkg/pathstate"
	"github.com/kestrelwatch/dirwatcher/pkg/platform"
	"github.com/kestrelwatch/dirwatcher/pkg/registration"
	"github.com/kestrelwatch/dirwatcher/pkg/treewalk"
)

// Kind mirrors platform.EventKind at the Pipeline's output boundary; kept
// distinct so the public event type doesn't expose the platform package's
// internals directly.
type Kind int

const (
	Create Kind = iota
	Modify
	Delete
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "CREATE"
	case Modify:
		return "MODIFY"
	case Delete:
		return "DELETE"
	case Overflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Event is a fully resolved, typed directory change notification: an
// absolute path, attributed to one of the watcher's registered roots, with
// an up-to-date hash when hashing is enabled.
type Event struct {
	Kind        Kind
	Path        string
	Count       int
	Root        string
	IsDirectory bool
	Hash        hash.Hash
}

// Listener receives Pipeline output. OnException is called for any error
// encountered while processing an event; the Pipeline continues running
// afterward. IsWatching is polled before each blocking receive so a
// listener can request the loop stop gracefully.
type Listener interface {
	OnEvent(Event) error
	OnException(error)
	OnIdle(count int)
	IsWatching() bool
}

// NopListener is a Listener that discards everything and never asks to
// stop; it is the default used by the builder when the caller supplies
// none.
type NopListener struct{}

func (NopListener) OnEvent(Event) error { return nil }
func (NopListener) OnException(error)   {}
func (NopListener) OnIdle(int)          {}
func (NopListener) IsWatching() bool    { return true }

// Pipeline is the Event Pipeline. It owns the Path State Store and the
// registration bookkeeping; construction pairs it with a platform.Watcher
// and a registration.Manager.
type Pipeline struct {
	watcher  platform.Watcher
	manager  *registration.Manager
	regs     *pathstate.Registrations
	store    *pathstate.Store
	hasher   hash.Hasher
	listener Listener
	visitor  treewalk.Visitor
	filter   platform.Filter
	logger   *logging.Logger

	// eventCount is the running total of raw events handled so far, passed
	// to listener.OnIdle per spec §4.6 ("on_idle(event_count_so_far)").
	eventCount int

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Pipeline. hasher may be nil to disable content hashing
// (falling back to directory/file identity alone for deduplication).
func New(
	watcher platform.Watcher,
	manager *registration.Manager,
	regs *pathstate.Registrations,
	store *pathstate.Store,
	hasher hash.Hasher,
	listener Listener,
	visitor treewalk.Visitor,
	filter platform.Filter,
	logger *logging.Logger,
) *Pipeline {
	if listener == nil {
		listener = NopListener{}
	}
	if visitor == nil {
		visitor = treewalk.Default
	}
	return &Pipeline{
		watcher:  watcher,
		manager:  manager,
		regs:     regs,
		store:    store,
		hasher:   hasher,
		listener: listener,
		visitor:  visitor,
		filter:   filter,
		logger:   logger.Sublogger("pipeline"),
		done:     make(chan struct{}),
	}
}

// AddRoot registers root with the Registration Manager and seeds the Path
// State Store with its current on-disk contents, matching
// PathUtils.initWatcherState's bootstrap pass before any events can
// arrive.
func (p *Pipeline) AddRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	p.seed(abs)
	return p.manager.RegisterRoot(abs)
}

func (p *Pipeline) seed(root string) {
	record := func(path string) {
		if p.filter != nil && p.filter(path) {
			return
		}
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			p.store.Put(path, hash.Directory)
			return
		}
		p.store.Put(path, p.hashOrEmpty(path))
	}
	record(root)
	p.visitor.Walk(root, record, record, nil)
}

func (p *Pipeline) hashOrEmpty(path string) hash.Hash {
	if p.hasher == nil {
		return hash.Hash{}
	}
	if h := hash.HashPath(p.hasher, path); h != nil {
		return *h
	}
	return hash.Hash{}
}

// Run drives the consumer loop until the listener reports it is no longer
// watching, no registration remains (including when none was ever made),
// the platform watcher's channels close, or Close is called. It
// is safe to call from its own dedicated goroutine (the model used by
// WatchAsync) or synchronously from the caller's own goroutine (Watch).
//
// Each iteration first attempts a non-blocking receive; if nothing is
// immediately ready, it reports idle to the listener exactly once before
// parking on a blocking receive, matching spec §4.6's loop body: "Poll the
// platform watcher with no timeout; if nothing is ready, invoke the
// listener's on_idle(event_count_so_far) exactly once, then block."
func (p *Pipeline) Run() {
	for p.listener.IsWatching() && !p.regs.Empty() {
		select {
		case <-p.done:
			p.shutdown()
			return
		case raw, ok := <-p.watcher.Events():
			if !ok {
				p.shutdown()
				return
			}
			p.eventCount++
			p.handle(raw)
			continue
		case err, ok := <-p.watcher.Errors():
			if ok {
				p.listener.OnException(err)
			}
			continue
		default:
		}

		p.listener.OnIdle(p.eventCount)

		select {
		case <-p.done:
			p.shutdown()
			return
		case raw, ok := <-p.watcher.Events():
			if !ok {
				p.shutdown()
				return
			}
			p.eventCount++
			p.handle(raw)
		case err, ok := <-p.watcher.Errors():
			if ok {
				p.listener.OnException(err)
			}
		}
	}
	p.shutdown()
}

// Close stops the Run loop and releases the underlying platform watcher.
// It is idempotent and safe to call from any goroutine.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *Pipeline) shutdown() {
	p.watcher.Close()
}

// emit delivers event to the listener and routes any error it returns to
// OnException, per the Listener contract: a failing OnEvent never
// propagates out of the loop.
func (p *Pipeline) emit(event Event) {
	if err := p.listener.OnEvent(event); err != nil {
		p.listener.OnException(err)
	}
}

func (p *Pipeline) handle(raw platform.RawEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.listener.OnException(fmt.Errorf("pipeline panic recovered: %v", r))
		}
	}()

	if raw.Kind == platform.EventOverflow {
		p.emit(Event{Kind: Overflow, Count: raw.Count})
		return
	}

	if raw.Kind == platform.EventInvalidate {
		p.handleInvalidate(raw.RegistrationKey)
		return
	}

	directory, root, ok := p.regs.Resolve(raw.RegistrationKey)
	if !ok {
		// The registration backing this event is not known, so there is
		// nothing meaningful to attribute the event to. This is an
		// invariant violation: it is reported to the listener and the loop
		// continues.
		p.listener.OnException(fmt.Errorf("pipeline: event for unknown registration key %q", raw.RegistrationKey))
		return
	}

	childPath := directory
	if raw.Name != "" {
		childPath = filepath.Join(directory, raw.Name)
	}
	if p.filter != nil && p.filter(childPath) {
		return
	}

	switch raw.Kind {
	case platform.EventCreate:
		p.handleCreate(childPath, root, raw)
	case platform.EventModify:
		p.handleModify(childPath, root, raw)
	case platform.EventDelete:
		p.handleDelete(childPath, root, raw)
	}
}

// handleInvalidate retires the registration identified by key: the
// platform backend has determined its directory is gone or otherwise
// unwatchable (spec §4.5 step 3, "when the platform reports a
// registration key as invalid ... drop both mappings"). Run rechecks
// regs.Empty() on its next loop condition and exits once every
// registration has been dropped this way.
func (p *Pipeline) handleInvalidate(key string) {
	directory, _, ok := p.regs.Resolve(key)
	if !ok {
		return
	}
	p.manager.HandleDirectoryRemoved(directory)
}

func (p *Pipeline) handleCreate(childPath, root string, raw platform.RawEvent) {
	isDirectory := raw.IsDirectoryHint
	if !isDirectory {
		if info, err := os.Lstat(childPath); err == nil {
			isDirectory = info.IsDir()
		}
	}

	if isDirectory {
		if err := p.manager.HandleDirectoryCreated(childPath, root); err != nil {
			p.listener.OnException(err)
		}
		if !platform.SynthesizesNestedCreates {
			p.synthesizeNestedCreates(childPath, root, raw.Count)
		}
	}

	p.notifyCreate(childPath, root, raw.Count, isDirectory)
}

// synthesizeNestedCreates walks a freshly created directory and emits a
// CREATE for every descendant not already recorded in the Path State
// Store. Backends whose native notifications only ever name the directory
// itself (not pre-existing content inside it at creation time) rely on
// this to avoid silently missing a subtree that appeared in one burst
// (e.g. "mkdir -p a/b/c" or a fast directory copy).
func (p *Pipeline) synthesizeNestedCreates(root, userRoot string, count int) {
	p.visitor.Walk(root,
		func(path string) {
			if path == root {
				return
			}
			if _, known := p.store.Get(path); !known {
				p.notifyCreate(path, userRoot, count, true)
			}
		},
		func(path string) {
			if _, known := p.store.Get(path); !known {
				p.notifyCreate(path, userRoot, count, false)
			}
		},
		nil,
	)
}

func (p *Pipeline) notifyCreate(path, root string, count int, isDirectory bool) {
	var newHash hash.Hash
	if isDirectory {
		newHash = hash.Directory
	} else if p.hasher != nil {
		h := hash.HashPath(p.hasher, path)
		if h == nil {
			// The file may have already been deleted or locked; if it
			// genuinely no longer exists there is nothing to notify.
			if _, err := os.Lstat(path); err != nil {
				return
			}
		} else {
			newHash = *h
		}
	}

	if _, alreadyKnown := p.store.Get(path); alreadyKnown {
		// Already recorded (e.g. seeded at startup, or synthesized by a
		// parent directory's walk); suppress the duplicate CREATE.
		return
	}

	p.store.Put(path, newHash)
	if isDirectory {
		p.store.AddDirectory(path)
	}

	p.emit(Event{Kind: Create, Path: path, Count: count, Root: root, IsDirectory: isDirectory, Hash: newHash})
}

func (p *Pipeline) handleModify(childPath, root string, raw platform.RawEvent) {
	isDirectory := p.store.IsKnownDirectory(childPath)

	if p.hasher == nil {
		p.emit(Event{Kind: Modify, Path: childPath, Count: raw.Count, Root: root, IsDirectory: isDirectory})
		return
	}

	existing, existed := p.store.Get(childPath)
	var storedPtr *hash.Hash
	if existed {
		storedPtr = &existing
	}

	newHash := hash.HashPath(p.hasher, childPath)
	if !hash.GenuineModify(storedPtr, newHash) {
		if newHash == nil {
			p.logger.Debugf("failed to hash modified path %s; it may have been deleted", childPath)
		}
		return
	}

	p.store.Put(childPath, *newHash)
	p.emit(Event{Kind: Modify, Path: childPath, Count: raw.Count, Root: root, IsDirectory: isDirectory, Hash: *newHash})
}

func (p *Pipeline) handleDelete(childPath, root string, raw platform.RawEvent) {
	if p.hasher == nil {
		wasDirectory := p.store.RemoveDirectory(childPath)
		p.store.Remove(childPath)
		p.emit(Event{Kind: Delete, Path: childPath, Count: raw.Count, Root: root, IsDirectory: wasDirectory})
		return
	}

	// RemoveSubtree returns entries in ascending path order, which always
	// places childPath itself ahead of anything nested under it (a parent
	// path is a string prefix of, and therefore sorts before, its
	// descendants). Spec §8 P3 and scenario 3 require the opposite for
	// DELETE: every descendant emitted before the directory that contains
	// it. Walking the result backwards satisfies that at every nesting
	// level, since reversing a parent-before-child order yields a
	// child-before-parent order.
	entries := p.store.RemoveSubtree(childPath)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		wasDirectory := e.Hash.IsDirectory()
		p.store.RemoveDirectory(e.Path)
		p.emit(Event{Kind: Delete, Path: e.Path, Count: raw.Count, Root: root, IsDirectory: wasDirectory, Hash: e.Hash})
	}
}
