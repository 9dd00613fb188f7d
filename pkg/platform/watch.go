// Package platform implements the native, per-OS half of directory
// watching: register a directory, deliver raw events keyed by a watch
// handle. Each supported operating system gets its own file selected by a
// build constraint, following
// github.com/mutagen-io/mutagen/pkg/filesystem/watching's structure of one
// package with OS-specific files rather than a package-per-OS hierarchy.
// The hardest of these, the macOS backend, reconstructs per-file
// CREATE/MODIFY/DELETE events from FSEvents' directory-granularity
// notifications by diffing against a cached content-hash map; see
// watcher_darwin.go.
package platform

import (
	"errors"
)

// ErrRecursionUnsupported is returned by Register when the caller requests
// native recursive registration on a backend that cannot provide it (e.g.
// inotify on Linux). The Recursive Registration Manager (package
// registration) uses this to drive its one-time feature probe.
var ErrRecursionUnsupported = errors.New("native recursive registration not supported")

// ErrClosed is returned by any operation performed on a Watcher after
// Close has been called.
var ErrClosed = errors.New("watcher closed")

// EventKind distinguishes the native event types a platform backend can
// report. It is analogous to, but distinct from, the higher-level
// DirectoryChangeEvent kind emitted by the Event Pipeline: a platform Create
// merely means "something appeared here", prior to the Pipeline's own
// hash-based confirmation.
type EventKind int

const (
	// EventCreate indicates a path was created.
	EventCreate EventKind = iota
	// EventModify indicates a path's content or metadata changed.
	EventModify
	// EventDelete indicates a path was removed.
	EventDelete
	// EventOverflow indicates the backend's internal queue overflowed and
	// events were discarded; Name is empty and Count holds the number of
	// discarded events.
	EventOverflow
	// EventInvalidate indicates RegistrationKey is no longer valid: the
	// backend detected that the directory it watches was itself removed,
	// unmounted, or otherwise became unwatchable (a kernel-initiated
	// inotify IN_IGNORED, a failed ReadDirectoryChangesW restart, an
	// FSEvents path that no longer resolves). Name and Count are unused.
	// The Event Pipeline responds by dropping the registration's
	// bookkeeping rather than trying to resolve further events against it.
	EventInvalidate
)

// String returns a human-readable event kind name, for logging.
func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	case EventOverflow:
		return "OVERFLOW"
	case EventInvalidate:
		return "INVALIDATE"
	default:
		return "UNKNOWN"
	}
}

// RawEvent is a single notification delivered by a platform Watcher. Name is
// the path of the affected entry relative to the registered directory
// identified by RegistrationKey (empty for the directory itself, and always
// empty for EventOverflow). IsDirectoryHint reports whether the backend
// already knows this path is a directory (some backends, like the macOS
// one, always know; others leave this false and let the Event Pipeline
// consult the known-directories set instead).
type RawEvent struct {
	Kind            EventKind
	RegistrationKey string
	Name            string
	IsDirectoryHint bool
	Count           int
}

// Filter excludes paths from being watched or reported. It mirrors the
// teacher's watching.Filter: a callback that returns true for paths that
// should be ignored.
type Filter func(path string) bool

// RegisterOptions configures a single Register call.
type RegisterOptions struct {
	// Recursive requests native recursive registration: every subdirectory
	// of directory should be watched without a separate Register call per
	// subdirectory. Backends that cannot provide this return
	// ErrRecursionUnsupported.
	Recursive bool
}

// Watcher is the native watch-backend contract. A single Watcher instance
// may hold multiple registered directories simultaneously; each gets its
// own opaque registration key.
type Watcher interface {
	// Register begins watching directory and returns an opaque
	// registration key used to correlate future RawEvents (and
	// Unregister/invalidation) back to it. If opts.Recursive is set and the
	// backend cannot provide native recursion, it returns
	// ErrRecursionUnsupported without registering anything.
	Register(directory string, opts RegisterOptions) (key string, err error)

	// Unregister stops watching the directory associated with key. It is a
	// no-op if the key is not currently registered.
	Unregister(key string) error

	// Events returns the channel on which RawEvents are delivered.
	Events() <-chan RawEvent

	// Errors returns the channel on which backend errors are delivered. A
	// received error does not necessarily invalidate the whole watcher;
	// per-registration invalidation is signaled explicitly via an
	// EventInvalidate RawEvent on Events, not through this channel.
	Errors() <-chan error

	// Close terminates all registrations and releases backend resources.
	// It is idempotent.
	Close() error
}

const (
	// DefaultQueueSize is the default capacity of a backend's event queue
	// before an OVERFLOW event is synthesized. Each backend has one queue,
	// shared by all of its registrations; there is no per-key queue.
	DefaultQueueSize = 1024

	// DefaultLatencySeconds is the default FSEvents coalescing latency.
	DefaultLatencySeconds = 0.5
)

// Config carries the builder options that affect platform backend
// behavior.
type Config struct {
	// QueueSize is the capacity of the backend's single event queue, shared
	// by all registrations.
	QueueSize int
	// LatencySeconds is the macOS FSEvents coalescing latency.
	LatencySeconds float64
	// FileLevelEvents requests file-granularity notifications from the
	// macOS backend, forwarded to the native API.
	FileLevelEvents bool
	// Hashing indicates whether content hashing is enabled. When false, the
	// macOS backend substitutes an ever-incrementing counter (via
	// hash.IncrementingHasher) and forces FileLevelEvents on: otherwise
	// every directory tick would look like a spurious modification, since
	// there would be no way to tell two observations of a path apart.
	Hashing bool
	// Hasher is the hasher the macOS backend uses for its internal diffing
	// map. Other backends ignore this field; the Event Pipeline applies its
	// own hashing independently using the shared Path State Store.
	Hasher interface {
		Hash(path string) (*HashResult, error)
	}
	// Filter excludes paths from registration and event delivery.
	Filter Filter
}

// HashResult is a minimal structural mirror of hash.Hash used by
// Config.Hasher; callers (package watcher) adapt between the two.
type HashResult struct {
	IsDirectory bool
	Sum         []byte
}

func normalizedConfig(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.LatencySeconds <= 0 {
		cfg.LatencySeconds = DefaultLatencySeconds
	}
	return cfg
}
