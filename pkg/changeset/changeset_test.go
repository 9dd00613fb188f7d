package changeset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
)

func TestStateTransitionTable(t *testing.T) {
	h1 := hash.New([]byte{1})
	h2 := hash.New([]byte{2})

	t.Run("absent", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnCreate("/root/a", false, h1)
		set := a.Take()
		require.Len(t, set.Created, 1)
		require.Empty(t, set.Modified)
		require.Empty(t, set.Deleted)
	})

	t.Run("created then modified stays created with updated hash", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnCreate("/root/a", false, h1)
		a.OnModify("/root/a", false, h2)
		set := a.Take()
		require.Len(t, set.Created, 1)
		require.True(t, set.Created[0].Hash.Equal(h2))
		require.Empty(t, set.Modified)
	})

	t.Run("created then deleted cancels out", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnCreate("/root/a", false, h1)
		a.OnDelete("/root/a", false)
		set := a.Take()
		require.Empty(t, set.Created)
		require.Empty(t, set.Modified)
		require.Empty(t, set.Deleted)
	})

	t.Run("modified then created stays modified", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnModify("/root/a", false, h1)
		a.OnCreate("/root/a", false, h2)
		set := a.Take()
		require.Empty(t, set.Created)
		require.Len(t, set.Modified, 1)
	})

	t.Run("modified then deleted becomes deleted", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnModify("/root/a", false, h1)
		a.OnDelete("/root/a", false)
		set := a.Take()
		require.Empty(t, set.Modified)
		require.Len(t, set.Deleted, 1)
	})

	t.Run("deleted then created becomes modified", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnDelete("/root/a", false)
		a.OnCreate("/root/a", false, h1)
		set := a.Take()
		require.Empty(t, set.Created)
		require.Empty(t, set.Deleted)
		require.Len(t, set.Modified, 1)
	})

	t.Run("deleted then modified is ignored", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnDelete("/root/a", false)
		a.OnModify("/root/a", false, h1)
		set := a.Take()
		require.Empty(t, set.Created)
		require.Empty(t, set.Modified)
		require.Len(t, set.Deleted, 1)
	})

	t.Run("deleted then deleted stays deleted", func(t *testing.T) {
		a := New("/root", 0, nil)
		a.OnDelete("/root/a", false)
		a.OnDelete("/root/a", false)
		set := a.Take()
		require.Len(t, set.Deleted, 1)
	})
}

func TestTakeResetsAggregator(t *testing.T) {
	a := New("/root", 0, nil)
	a.OnCreate("/root/a", false, hash.New([]byte{1}))
	first := a.Take()
	require.Len(t, first.Created, 1)

	second := a.Take()
	require.Empty(t, second.Created)
	require.Empty(t, second.Modified)
	require.Empty(t, second.Deleted)
}

func TestIdleFlushFiresAfterQuietPeriod(t *testing.T) {
	fired := make(chan int, 1)
	a := New("/root", 20*time.Millisecond, func(count int) {
		fired <- count
	})
	a.OnCreate("/root/a", false, hash.New([]byte{1}))

	select {
	case count := <-fired:
		require.Equal(t, 1, count)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle callback did not fire")
	}
}

func TestIdleFlushRescheduledByNewEvents(t *testing.T) {
	fired := make(chan int, 1)
	a := New("/root", 30*time.Millisecond, func(count int) {
		fired <- count
	})
	a.OnCreate("/root/a", false, hash.New([]byte{1}))
	time.Sleep(15 * time.Millisecond)
	a.OnCreate("/root/b", false, hash.New([]byte{2}))

	select {
	case count := <-fired:
		require.Equal(t, 2, count)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle callback did not fire")
	}
}

func TestTakeChangeBlocksUntilChangeArrives(t *testing.T) {
	a := New("/root", 0, nil)
	done := make(chan Set, 1)
	go func() {
		set, err := a.TakeChange(context.Background(), 0)
		require.NoError(t, err)
		done <- set
	}()

	time.Sleep(10 * time.Millisecond)
	a.OnCreate("/root/a", false, hash.New([]byte{1}))

	select {
	case set := <-done:
		require.Len(t, set.Created, 1)
	case <-time.After(time.Second):
		t.Fatal("TakeChange did not unblock")
	}
}

func TestTakeChangeReturnsImmediatelyWhenAlreadyPending(t *testing.T) {
	a := New("/root", 0, nil)
	a.OnCreate("/root/a", false, hash.New([]byte{1}))

	set, err := a.TakeChange(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, set.Created, 1)
}

func TestTakeChangeRespectsContextCancellation(t *testing.T) {
	a := New("/root", 0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := a.TakeChange(ctx, 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("TakeChange did not unblock on context cancellation")
	}

	require.Empty(t, a.waiters)
}

func TestTakeChangeReturnsDeadlineExceededOnTimeout(t *testing.T) {
	a := New("/root", 0, nil)

	set, err := a.TakeChange(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, set.Created)
	require.Empty(t, a.waiters)
}
