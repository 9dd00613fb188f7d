package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/dirwatcher/pkg/platform"
)

// fakeWatcher is a platform.Watcher whose Events/Errors channels the test
// drives directly, the same fixture shape pipeline_test.go uses one layer
// down — here it exercises the full Builder/Watch wiring instead of the
// Pipeline in isolation.
type fakeWatcher struct {
	events chan platform.RawEvent
	errs   chan error

	mu      sync.Mutex
	closed  bool
	nextKey int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events: make(chan platform.RawEvent, 16),
		errs:   make(chan error, 4),
	}
}

func (f *fakeWatcher) Register(directory string, _ platform.RegisterOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	return directory, nil
}

func (f *fakeWatcher) Unregister(string) error { return nil }

func (f *fakeWatcher) Events() <-chan platform.RawEvent { return f.events }
func (f *fakeWatcher) Errors() <-chan error              { return f.errs }

func (f *fakeWatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	close(f.errs)
	return nil
}

// recordingListener captures delivered events and can request the loop
// stop.
type recordingListener struct {
	mu       sync.Mutex
	events   []Event
	watching bool
}

func newRecordingListener() *recordingListener {
	return &recordingListener{watching: true}
}

func (l *recordingListener) OnEvent(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *recordingListener) OnException(error) {}
func (l *recordingListener) OnIdle(int)        {}

func (l *recordingListener) IsWatching() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watching
}

func (l *recordingListener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching = false
}

func (l *recordingListener) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestBuilderWiresCreateEventEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("seed"), 0o644))

	backend := newFakeWatcher()
	listener := newRecordingListener()

	w, err := NewBuilder().
		Paths(dir).
		WatchService(backend).
		Listener(listener).
		Build()
	require.NoError(t, err)

	done := w.WatchAsync(context.Background())

	// Wait for the startup seed walk to finish recording the pre-existing
	// file before creating a new one, otherwise the new file could be
	// swept up by that same walk and its CREATE would be (correctly)
	// suppressed as already-known.
	require.Eventually(t, func() bool {
		_, ok := w.PathHashes().Get(filepath.Join(dir, "existing.txt"))
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	backend.events <- platform.RawEvent{Kind: platform.EventCreate, RegistrationKey: dir, Name: "new.txt"}

	require.Eventually(t, func() bool {
		for _, e := range listener.snapshot() {
			if e.Kind == Create && filepath.Base(e.Path) == "new.txt" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	listener.stop()
	require.NoError(t, w.Close())
	<-done
}

func TestWatchAfterCloseFails(t *testing.T) {
	w, err := NewBuilder().WatchService(newFakeWatcher()).Build()
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // idempotent

	require.ErrorIs(t, w.Watch(context.Background()), ErrClosed)
}

func TestWatchAlreadyWatchingFails(t *testing.T) {
	listener := newRecordingListener()
	w, err := NewBuilder().Paths(t.TempDir()).WatchService(newFakeWatcher()).Listener(listener).Build()
	require.NoError(t, err)

	done := w.WatchAsync(context.Background())
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.watching
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, w.Watch(context.Background()), ErrAlreadyWatching)

	listener.stop()
	require.NoError(t, w.Close())
	<-done
}

func TestWatchAsyncRespectsContextCancellation(t *testing.T) {
	backend := newFakeWatcher()
	listener := newRecordingListener()
	w, err := NewBuilder().Paths(t.TempDir()).WatchService(backend).Listener(listener).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := w.WatchAsync(ctx)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after context cancellation")
	}
}

func TestBuilderRejectsMissingRoot(t *testing.T) {
	w, err := NewBuilder().
		Paths(filepath.Join(t.TempDir(), "does-not-exist")).
		WatchService(newFakeWatcher()).
		Build()
	require.NoError(t, err)

	require.Error(t, w.Watch(context.Background()))
}
