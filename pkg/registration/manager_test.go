package registration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/dirwatcher/pkg/pathstate"
	"github.com/kestrelwatch/dirwatcher/pkg/platform"
	"github.com/kestrelwatch/dirwatcher/pkg/treewalk"
)

type fakeWatcher struct {
	recursive     bool
	registrations []string
	nextKey       int
}

func (f *fakeWatcher) Register(directory string, opts platform.RegisterOptions) (string, error) {
	if opts.Recursive && !f.recursive {
		return "", platform.ErrRecursionUnsupported
	}
	f.nextKey++
	key := directory + "#" + string(rune('a'+f.nextKey))
	f.registrations = append(f.registrations, directory)
	return key, nil
}

func (f *fakeWatcher) Unregister(key string) error       { return nil }
func (f *fakeWatcher) Events() <-chan platform.RawEvent  { return nil }
func (f *fakeWatcher) Errors() <-chan error               { return nil }
func (f *fakeWatcher) Close() error                       { return nil }

func resetProbe() {
	probeMu.Lock()
	defer probeMu.Unlock()
	probeDone = false
	probeResult = false
}

func TestRegisterRootRecursiveBackendRegistersOnce(t *testing.T) {
	resetProbe()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	w := &fakeWatcher{recursive: true}
	regs := pathstate.NewRegistrations()
	m := New(w, regs, treewalk.Default, nil)

	require.NoError(t, m.RegisterRoot(root))
	require.Len(t, w.registrations, 1)
	require.Equal(t, root, w.registrations[0])
}

func TestRegisterRootNonRecursiveBackendWalksTree(t *testing.T) {
	resetProbe()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub", "nested"), 0o755))

	w := &fakeWatcher{recursive: false}
	regs := pathstate.NewRegistrations()
	m := New(w, regs, treewalk.Default, nil)

	require.NoError(t, m.RegisterRoot(root))
	require.Len(t, w.registrations, 3)
}

func TestHandleDirectoryCreatedNoOpWhenRecursive(t *testing.T) {
	resetProbe()
	root := t.TempDir()
	w := &fakeWatcher{recursive: true}
	regs := pathstate.NewRegistrations()
	m := New(w, regs, treewalk.Default, nil)
	require.NoError(t, m.RegisterRoot(root))

	require.NoError(t, m.HandleDirectoryCreated(filepath.Join(root, "new"), root))
	require.Len(t, w.registrations, 1)
}

func TestHandleDirectoryCreatedRegistersNonRecursive(t *testing.T) {
	resetProbe()
	root := t.TempDir()
	w := &fakeWatcher{recursive: false}
	regs := pathstate.NewRegistrations()
	m := New(w, regs, treewalk.Default, nil)
	require.NoError(t, m.RegisterRoot(root))

	newDir := filepath.Join(root, "new")
	require.NoError(t, os.Mkdir(newDir, 0o755))
	require.NoError(t, m.HandleDirectoryCreated(newDir, root))

	require.Contains(t, w.registrations, newDir)
}
