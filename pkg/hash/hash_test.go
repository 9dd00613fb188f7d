package hash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashEquality(t *testing.T) {
	a := New([]byte{1, 2, 3})
	b := New([]byte{1, 2, 3})
	c := New([]byte{1, 2, 4})

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(Directory))
	require.True(t, Directory.Equal(Directory))
}

func TestDefaultHasherDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	first, err := DefaultHasher.Hash(path)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	second, err := DefaultHasher.Hash(path)
	require.NoError(t, err)
	require.True(t, first.Equal(*second))

	require.NoError(t, os.WriteFile(path, []byte("b"), 0o644))
	third, err := DefaultHasher.Hash(path)
	require.NoError(t, err)
	require.False(t, first.Equal(*third))
}

func TestDefaultHasherMissingFile(t *testing.T) {
	dir := t.TempDir()
	h, err := DefaultHasher.Hash(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestHashPathDirectory(t *testing.T) {
	dir := t.TempDir()
	h := HashPath(DefaultHasher, dir)
	require.NotNil(t, h)
	require.True(t, h.IsDirectory())
}

func TestHashPathNilHasherDisablesHashing(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, HashPath(nil, dir))
}

func TestIncrementingHasherAlwaysChanges(t *testing.T) {
	h := NewIncrementingHasher()
	a, err := h.Hash("/anything")
	require.NoError(t, err)
	b, err := h.Hash("/anything")
	require.NoError(t, err)
	require.False(t, a.Equal(*b))
}

func TestGenuineModifyRule(t *testing.T) {
	x := New([]byte{1})
	y := New([]byte{2})

	require.False(t, GenuineModify(&x, nil), "nil new hash is never genuine")
	require.True(t, GenuineModify(nil, &x), "missing stored hash with a real new hash is genuine")
	require.False(t, GenuineModify(&x, &x), "identical hash is not genuine")
	require.True(t, GenuineModify(&x, &y), "different hash is genuine")
}
