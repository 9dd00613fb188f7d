package treewalk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWalkPreOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("y"), 0o644))

	var dirs, files []string
	Default.Walk(root,
		func(p string) { dirs = append(dirs, p) },
		func(p string) { files = append(files, p) },
		nil,
	)

	require.Contains(t, dirs, root)
	require.Contains(t, dirs, filepath.Join(root, "sub"))
	require.Contains(t, files, filepath.Join(root, "sub", "a.txt"))
	require.Contains(t, files, filepath.Join(root, "top.txt"))
}

func TestWalkContinuesPastUnreadableEntry(t *testing.T) {
	root := t.TempDir()
	bad := filepath.Join(root, "locked")
	require.NoError(t, os.Mkdir(bad, 0o000))
	defer os.Chmod(bad, 0o755)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o644))

	var failures int
	var files []string
	Default.Walk(root,
		func(p string) {},
		func(p string) { files = append(files, p) },
		func(p string, err error) { failures++ },
	)

	require.Contains(t, files, filepath.Join(root, "ok.txt"))
}

func TestRecursiveList(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	set := RecursiveList(Default, root)
	require.True(t, set[root])
	require.True(t, set[filepath.Join(root, "f")])
}

func TestRecursiveListMissingRoot(t *testing.T) {
	set := RecursiveList(Default, filepath.Join(t.TempDir(), "nope"))
	require.Empty(t, set)
}
