// Package treewalk implements the recursive filesystem walker used to
// bootstrap a watcher's initial content-hash state and to synthesize
// CREATE events for directories that appear faster than their
// registration can keep up with. It follows
// github.com/mutagen-io/mutagen/pkg/synchronization/core's preference for
// small, pluggable, callback-based walkers over an object hierarchy of
// visitor types.
package treewalk

import (
	"os"
	"path/filepath"
)

// Callback is invoked once per visited path.
type Callback func(path string)

// FailureCallback is invoked when a directory entry cannot be read. The
// default Visitor continues walking after a failure: a single unreadable
// entry must never abort the whole walk.
type FailureCallback func(path string, err error)

// Visitor performs a recursive, pre-order walk of a directory tree.
type Visitor interface {
	// Walk invokes onDirectory for the root and every descendant directory,
	// and onFile for every descendant file, in pre-order. onFailure (if
	// non-nil) is invoked for any entry that cannot be statted or whose
	// parent directory cannot be read; the walk continues regardless.
	Walk(root string, onDirectory, onFile Callback, onFailure FailureCallback)
}

// Default is the default Visitor, built on filepath.Walk.
var Default Visitor = defaultVisitor{}

type defaultVisitor struct{}

// Walk implements Visitor.Walk.
func (defaultVisitor) Walk(root string, onDirectory, onFile Callback, onFailure FailureCallback) {
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if onFailure != nil {
				onFailure(path, err)
			}
			// Continuing past a per-entry failure means skipping a directory
			// we couldn't open, but not aborting the rest of the tree.
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			onDirectory(path)
		} else {
			onFile(path)
		}
		return nil
	})
	if err != nil && onFailure != nil {
		onFailure(root, err)
	}
}

// RecursiveList returns every path (files and directories) under root,
// including root itself, as a set. It is used by the macOS backend to
// compute "what exists on disk right now" for diffing against the cached
// hash map.
func RecursiveList(visitor Visitor, root string) map[string]bool {
	result := make(map[string]bool)
	if _, err := os.Lstat(root); err != nil {
		return result
	}
	result[root] = true
	visitor.Walk(root,
		func(p string) { result[p] = true },
		func(p string) { result[p] = true },
		nil,
	)
	return result
}
