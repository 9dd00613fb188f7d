package changeset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
	"github.com/kestrelwatch/dirwatcher/pkg/pipeline"
)

func TestListenerRoutesEventsByRoot(t *testing.T) {
	l := NewListener([]string{"/r1", "/r2"}, 0, nil, nil)

	require.NoError(t, l.OnEvent(pipeline.Event{Kind: pipeline.Create, Root: "/r1", Path: "/r1/a", Hash: hash.New([]byte{1})}))
	require.NoError(t, l.OnEvent(pipeline.Event{Kind: pipeline.Create, Root: "/r2", Path: "/r2/b", Hash: hash.New([]byte{2})}))

	set1 := l.For("/r1").Take()
	require.Len(t, set1.Created, 1)
	require.Equal(t, "/r1/a", set1.Created[0].Path)

	set2 := l.For("/r2").Take()
	require.Len(t, set2.Created, 1)
	require.Equal(t, "/r2/b", set2.Created[0].Path)
}

func TestListenerDiscoversUnknownRootLazily(t *testing.T) {
	l := NewListener(nil, 0, nil, nil)

	require.NoError(t, l.OnEvent(pipeline.Event{Kind: pipeline.Modify, Root: "/new", Path: "/new/f"}))

	require.Contains(t, l.Roots(), "/new")
	set := l.For("/new").Take()
	require.Len(t, set.Modified, 1)
}

func TestListenerRejectsOverflow(t *testing.T) {
	l := NewListener([]string{"/r1"}, 0, nil, nil)

	err := l.OnEvent(pipeline.Event{Kind: pipeline.Overflow, Count: 5})
	require.ErrorIs(t, err, ErrOverflow)

	set := l.For("/r1").Take()
	require.Empty(t, set.Created)
	require.Empty(t, set.Modified)
	require.Empty(t, set.Deleted)
}

func TestListenerOnExceptionForwards(t *testing.T) {
	var captured error
	l := NewListener([]string{"/r1"}, 0, nil, func(err error) { captured = err })

	l.OnException(ErrOverflow)
	require.ErrorIs(t, captured, ErrOverflow)
}

func TestListenerIsWatchingStop(t *testing.T) {
	l := NewListener(nil, 0, nil, nil)
	require.True(t, l.IsWatching())
	l.Stop()
	require.False(t, l.IsWatching())
}

func TestListenerIdleCallbackCarriesRoot(t *testing.T) {
	var gotRoot string
	var gotCount int
	done := make(chan struct{}, 1)

	l := NewListener([]string{"/r1"}, 0, func(root string, count int) {
		gotRoot, gotCount = root, count
		done <- struct{}{}
	}, nil)

	// Drive the underlying aggregator's idle callback directly rather than
	// waiting on a real timer, since idleTimeout is 0 here (no timer
	// scheduled); this exercises the root-forwarding wiring in isolation.
	l.For("/r1").OnCreate("/r1/a", false, hash.New([]byte{1}))
	l.For("/r1").fireIdle()

	<-done
	require.Equal(t, "/r1", gotRoot)
	require.Equal(t, 1, gotCount)
}
