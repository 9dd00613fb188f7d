package pathstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/dirwatcher/pkg/hash"
)

func TestPutGetRemove(t *testing.T) {
	s := New()
	h := hash.New([]byte{1})
	s.Put("/root/a", h)

	got, ok := s.Get("/root/a")
	require.True(t, ok)
	require.True(t, got.Equal(h))

	require.True(t, s.Remove("/root/a"))
	_, ok = s.Get("/root/a")
	require.False(t, ok)
	require.False(t, s.Remove("/root/a"))
}

func TestSubtreeIncludesSelfAndDescendantsOnly(t *testing.T) {
	s := New()
	s.Put("/root", hash.Directory)
	s.Put("/root/a", hash.New([]byte{1}))
	s.Put("/root/sub/b", hash.New([]byte{2}))
	s.Put("/root-sibling", hash.New([]byte{3}))
	s.Put("/rootless", hash.New([]byte{4}))

	entries := s.Subtree("/root")
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}

	require.ElementsMatch(t, []string{"/root", "/root/a", "/root/sub/b"}, paths)
}

func TestSubtreeOrderedAscending(t *testing.T) {
	s := New()
	s.Put("/root/z", hash.New([]byte{1}))
	s.Put("/root/a", hash.New([]byte{2}))
	s.Put("/root/m", hash.New([]byte{3}))

	entries := s.Subtree("/root")
	require.Equal(t, []string{"/root/a", "/root/m", "/root/z"}, []string{
		entries[0].Path, entries[1].Path, entries[2].Path,
	})
}

func TestRemoveSubtree(t *testing.T) {
	s := New()
	s.Put("/root/a", hash.New([]byte{1}))
	s.Put("/root/b", hash.New([]byte{2}))
	s.Put("/other", hash.New([]byte{3}))

	removed := s.RemoveSubtree("/root")
	require.Len(t, removed, 2)
	require.Equal(t, 1, s.Len())
	_, ok := s.Get("/other")
	require.True(t, ok)
}

func TestKnownDirectories(t *testing.T) {
	s := New()
	s.AddDirectory("/root")
	require.True(t, s.IsKnownDirectory("/root"))
	require.True(t, s.RemoveDirectory("/root"))
	require.False(t, s.IsKnownDirectory("/root"))
	require.False(t, s.RemoveDirectory("/root"))
}

func TestReadOnlyView(t *testing.T) {
	s := New()
	s.Put("/root/a", hash.New([]byte{1}))
	v := s.View()
	got, ok := v.Get("/root/a")
	require.True(t, ok)
	require.Equal(t, byte(1), got.Bytes()[0])
	require.Equal(t, 1, v.Len())
	require.Len(t, v.Subtree("/root"), 1)
}

func TestRegistrationsResolveAndInvalidate(t *testing.T) {
	r := NewRegistrations()
	r.Register("key1", "/root/sub", "/root")

	dir, root, ok := r.Resolve("key1")
	require.True(t, ok)
	require.Equal(t, "/root/sub", dir)
	require.Equal(t, "/root", root)

	gotRoot, ok := r.RootFor("/root/sub")
	require.True(t, ok)
	require.Equal(t, "/root", gotRoot)

	require.True(t, r.Invalidate("key1"))
	require.True(t, r.Empty())

	_, _, ok = r.Resolve("key1")
	require.False(t, ok)
}

func TestRegistrationsInvalidateDirectory(t *testing.T) {
	r := NewRegistrations()
	r.Register("key1", "/root/sub", "/root")
	r.Register("key2", "/root/other", "/root")

	require.False(t, r.InvalidateDirectory("/root/sub"))
	require.False(t, r.Empty())

	_, ok := r.RootFor("/root/sub")
	require.False(t, ok)

	require.True(t, r.InvalidateDirectory("/root/other"))
	require.True(t, r.Empty())
}
