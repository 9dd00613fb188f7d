// Package registration implements the Recursive Registration Manager: it
// hides the difference between platforms that can watch a subtree natively
// (macOS, Windows) and platforms that can only watch one directory at a
// time (Linux), presenting a single RegisterRoot/HandleDirectoryCreated
// API regardless of which is true underneath.
//
// Whether native recursion is available is a property of the operating
// system, not of any particular root, so it is probed once per process (on
// the first root registered) and cached for every root afterward, the same
// way github.com/mutagen-io/mutagen/pkg/filesystem/watching picks its
// recursive-vs-non-recursive strategy from a single build-time constant
// rather than re-deciding per watch.
package registration

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kestrelwatch/dirwatcher/pkg/pathstate"
	"github.com/kestrelwatch/dirwatcher/pkg/platform"
	"github.com/kestrelwatch/dirwatcher/pkg/treewalk"
)

var (
	probeMu      sync.Mutex
	probeDone    bool
	probeResult  bool
)

// recursionKnown reports whether the once-per-process recursion probe has
// already run, and if so, what it found. The probe itself happens inline
// in RegisterRoot's first call, via the real registration attempt for
// whatever root is registered first: a dedicated throwaway probe directory
// would just be a second registration to clean up, so the first genuine
// Register call doubles as the probe.
func recursionKnown() (known, supports bool) {
	probeMu.Lock()
	defer probeMu.Unlock()
	return probeDone, probeResult
}

func recordProbeResult(supports bool) {
	probeMu.Lock()
	defer probeMu.Unlock()
	if !probeDone {
		probeDone = true
		probeResult = supports
	}
}

// Manager is the Recursive Registration Manager. It is not safe for
// concurrent use from multiple goroutines except where noted; in this
// module it is driven exclusively by the Event Pipeline's single consumer
// goroutine.
type Manager struct {
	watcher platform.Watcher
	regs    *pathstate.Registrations
	visitor treewalk.Visitor
	filter  platform.Filter

	recursive bool
}

// New creates a Manager bound to watcher and the shared registration
// bookkeeping table.
func New(watcher platform.Watcher, regs *pathstate.Registrations, visitor treewalk.Visitor, filter platform.Filter) *Manager {
	return &Manager{
		watcher: watcher,
		regs:    regs,
		visitor: visitor,
		filter:  filter,
	}
}

// RegisterRoot begins watching root. On a platform with native recursive
// support it issues a single registration; otherwise it walks root and
// issues one registration per directory, falling back transparently.
func (m *Manager) RegisterRoot(root string) error {
	if known, supports := recursionKnown(); known {
		m.recursive = supports
		if m.recursive {
			return m.registerOne(root, root, true)
		}
		return m.registerTreeNonRecursive(root, root)
	}

	// Nobody has probed yet: let root's own registration attempt double as
	// the probe.
	key, err := m.watcher.Register(root, platform.RegisterOptions{Recursive: true})
	if err == nil {
		recordProbeResult(true)
		m.recursive = true
		m.regs.Register(key, root, root)
		return nil
	}
	if err != platform.ErrRecursionUnsupported {
		return err
	}
	recordProbeResult(false)
	m.recursive = false
	return m.registerTreeNonRecursive(root, root)
}

func (m *Manager) registerTreeNonRecursive(root, userRoot string) error {
	var firstErr error
	register := func(path string) {
		if m.filter != nil && m.filter(path) {
			return
		}
		if err := m.registerOne(path, userRoot, false); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unable to register directory %s", path)
		}
	}
	// Walk visits root itself as the first directory, so a separate
	// explicit call to register root is unnecessary.
	m.visitor.Walk(root, register, func(string) {}, nil)
	return firstErr
}

func (m *Manager) registerOne(directory, userRoot string, recursive bool) error {
	key, err := m.watcher.Register(directory, platform.RegisterOptions{Recursive: recursive})
	if err != nil {
		return err
	}
	m.regs.Register(key, directory, userRoot)
	return nil
}

// HandleDirectoryCreated is invoked by the Event Pipeline whenever a new
// directory is confirmed to exist under a non-recursively-watched root; it
// registers the new directory (and anything already nested beneath it, in
// case multiple levels were created faster than the Pipeline could keep
// up) so events inside it are observed going forward. It is a no-op on a
// platform with native recursion, since the existing registration already
// covers the new directory.
func (m *Manager) HandleDirectoryCreated(directory, userRoot string) error {
	if m.recursive {
		return nil
	}
	return m.registerTreeNonRecursive(directory, userRoot)
}

// HandleDirectoryRemoved drops the registration bookkeeping for directory.
// The underlying platform watch descriptor, if any, is cleaned up by the
// backend itself once the directory is gone (inotify self-invalidates a
// removed watch); this only needs to forget our own key mapping.
func (m *Manager) HandleDirectoryRemoved(directory string) {
	m.regs.InvalidateDirectory(directory)
}
