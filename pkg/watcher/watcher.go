// Package watcher is the public entry point for this module: it wires the
// Hash, Tree Visitor, Path State Store, Platform Watcher, Recursive
// Registration Manager, and Event Pipeline packages together behind a
// single Builder, the same role
// github.com/mutagen-io/mutagen/pkg/synchronization's top-level
// orchestration plays over its own lower-level packages.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
	"github.com/kestrelwatch/dirwatcher/pkg/logging"
	"github.com/kestrelwatch/dirwatcher/pkg/pathstate"
	"github.com/kestrelwatch/dirwatcher/pkg/pipeline"
	"github.com/kestrelwatch/dirwatcher/pkg/platform"
)

// resolveRoot turns a caller-supplied path into an absolute directory path
// and confirms it currently exists, without touching any shared state —
// safe to run concurrently across roots.
func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", pkgerrors.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// Kind is the directory-change event kind; re-exported from pipeline so
// callers never need to import that package directly.
type Kind = pipeline.Kind

// Event kinds, re-exported from pipeline.
const (
	Create   = pipeline.Create
	Modify   = pipeline.Modify
	Delete   = pipeline.Delete
	Overflow = pipeline.Overflow
)

// Event is a fully resolved DirectoryChangeEvent, re-exported from
// pipeline.
type Event = pipeline.Event

// Listener is the client-facing event sink, re-exported from pipeline: the
// three-callback-plus-poll capability set described in spec §6, rather
// than an object-identity listener type a caller must subclass.
type Listener = pipeline.Listener

// NopListener is the default Listener: it discards every event and never
// asks the watcher to stop.
type NopListener = pipeline.NopListener

var (
	// ErrClosed is returned by Watch/WatchAsync when called on a Watcher
	// that has already been closed.
	ErrClosed = errors.New("watcher: closed")

	// ErrAlreadyWatching is returned by Watch/WatchAsync when called on a
	// Watcher that is already running.
	ErrAlreadyWatching = errors.New("watcher: already watching")
)

// Watcher is a fully configured, ready-to-run recursive directory watcher.
// Construct one with NewBuilder; a zero Watcher is not usable.
type Watcher struct {
	roots    []string
	pipeline *pipeline.Pipeline
	logger   *logging.Logger
	store    *pathstate.Store

	mu        sync.Mutex
	watching  bool
	closed    bool
	closeOnce sync.Once
}

// PathHashes returns a read-only view of the current path-to-hash table.
// Mutating methods on the returned value fail by simply not existing,
// mirroring the original's UnsupportedOperationException-throwing wrapper
// without needing one.
func (w *Watcher) PathHashes() pathstate.ReadOnlyView {
	return w.store.View()
}

// Watch registers every configured root and runs the Event Pipeline loop
// on the calling goroutine until ctx is cancelled, the listener's
// IsWatching reports false, no registration remains (so a Watcher with no
// configured roots returns at once), or Close is called. It blocks for the
// duration of the watch. Calling Watch on an already-closed or
// already-watching Watcher returns an error immediately without starting
// anything, matching spec §5's "watch() on an already-closed watcher
// fails with IllegalState".
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}
	defer w.end()

	if err := w.registerRoots(ctx); err != nil {
		return err
	}

	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				w.Close()
			case <-stop:
			}
		}()
	}

	w.pipeline.Run()
	return nil
}

func (w *Watcher) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.watching {
		return ErrAlreadyWatching
	}
	w.watching = true
	return nil
}

func (w *Watcher) end() {
	w.mu.Lock()
	w.watching = false
	w.mu.Unlock()
}

// registerRoots validates every configured root concurrently over an
// errgroup, the same way the teacher's synchronization controllers fan out
// independent per-root setup work instead of a sequential loop, then hands
// the validated roots to the Pipeline one at a time. The second pass must
// stay sequential: AddRoot seeds the Path State Store, and the Store's
// contract (package pathstate) is single-writer, owned exclusively by the
// Pipeline goroutine — concurrent seeding from multiple root goroutines
// would race on it. Every validation runs to completion; the first failure
// is returned to the caller, per spec §7's "startup failures ... are
// returned to the caller on watch".
func (w *Watcher) registerRoots(ctx context.Context) error {
	if len(w.roots) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group, _ := errgroup.WithContext(ctx)
	resolved := make([]string, len(w.roots))
	for i, root := range w.roots {
		i, root := i, root
		group.Go(func() error {
			abs, err := resolveRoot(root)
			if err != nil {
				return pkgerrors.Wrapf(err, "unable to resolve root %s", root)
			}
			resolved[i] = abs
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for _, root := range resolved {
		if err := w.pipeline.AddRoot(root); err != nil {
			return pkgerrors.Wrapf(err, "unable to register root %s", root)
		}
	}
	return nil
}

// WatchAsync starts Watch on a dedicated goroutine and returns immediately
// with a completion handle: a channel that receives Watch's result exactly
// once, then is closed. This realizes spec §2's "watch_async (returns a
// completion handle)" and the original's watchAsync(Executor), minus the
// caller-supplied executor parameter — Go's goroutines already are the
// lightweight dispatch unit that parameter stands in for elsewhere.
func (w *Watcher) WatchAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx)
		close(done)
	}()
	return done
}

// Close stops the watch loop and releases the underlying platform
// resources. It is idempotent and safe to call from any goroutine,
// including concurrently with Watch.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		err = w.pipeline.Close()
	})
	return err
}

// platformHasherAdapter adapts a hash.Hasher to the minimal hashing
// contract of platform.Config.Hasher, which speaks platform.HashResult
// rather than hash.Hash.
type platformHasherAdapter struct {
	hasher hash.Hasher
}

func (a platformHasherAdapter) Hash(path string) (*platform.HashResult, error) {
	h := hash.HashPath(a.hasher, path)
	if h == nil {
		return nil, nil
	}
	return &platform.HashResult{IsDirectory: h.IsDirectory(), Sum: h.Bytes()}, nil
}
