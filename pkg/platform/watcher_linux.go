//go:build linux
// +build linux

package platform

import (
	"os"
	"sync"
	"unsafe"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RecursionSupported is false on this backend: inotify only watches a
// single directory, not a subtree, so recursive registration is emulated
// one level at a time by the caller (package registration).
const RecursionSupported = false

// SynthesizesNestedCreates is false: inotify only reports a CREATE for the
// directory entry itself, never for anything already inside it, so a
// caller must walk a freshly created directory to discover pre-existing
// content.
const SynthesizesNestedCreates = false

const (
	linuxEventBufferSize    = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)
	linuxDefaultMaxWatches  = 8192
	linuxInotifyEventsFlags = unix.IN_MODIFY | unix.IN_ATTRIB |
		unix.IN_CLOSE_WRITE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
		unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_DELETE_SELF | unix.IN_MOVE_SELF
)

// linuxWatcher implements Watcher directly atop raw inotify syscalls (no
// intermediate third-party inotify wrapper is part of this module's
// dependency surface; see DESIGN.md). Each Register call adds one inotify
// watch descriptor; eviction beyond a capacity limit is handled with an
// LRU cache exactly as the teacher's non-recursive Linux backend does,
// since inotify imposes a kernel-wide per-process watch limit.
type linuxWatcher struct {
	fd int

	mu       sync.Mutex
	byWD     map[int32]*linuxRegistration
	byKey    map[string]*linuxRegistration
	evictor  *lru.Cache
	closed   bool
	filter   Filter

	events chan RawEvent
	errs   chan error
	done   chan struct{}
}

type linuxRegistration struct {
	key string
	wd  int32
	dir string
}

// NewWatcher creates a platform Watcher for the current OS.
func NewWatcher(cfg Config) (Watcher, error) {
	cfg = normalizedConfig(cfg)

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize inotify")
	}

	w := &linuxWatcher{
		fd:     fd,
		byWD:   make(map[int32]*linuxRegistration),
		byKey:  make(map[string]*linuxRegistration),
		filter: cfg.Filter,
		events: make(chan RawEvent, cfg.QueueSize),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}
	w.evictor = lru.New(linuxDefaultMaxWatches)
	w.evictor.OnEvicted = func(key lru.Key, _ interface{}) {
		// groupcache's lru.Cache calls OnEvicted synchronously and inline
		// from removeElement, which runs both from Add (Register, once
		// past linuxDefaultMaxWatches) and from Remove (forgetWatch) —
		// every caller already holds w.mu at that point, so re-locking
		// here would deadlock a non-reentrant sync.Mutex. Mutate
		// byWD/byKey directly instead of calling back into a method that
		// locks.
		k, ok := key.(string)
		if !ok {
			return
		}
		reg, ok := w.byKey[k]
		if !ok {
			// Already forgotten (forgetWatch deletes the maps before
			// calling evictor.Remove, and the kernel has already torn
			// down this watch itself); nothing left to do.
			return
		}
		delete(w.byKey, k)
		delete(w.byWD, reg.wd)
		unix.InotifyRmWatch(w.fd, uint32(reg.wd))
	}

	go w.run()

	return w, nil
}

func (w *linuxWatcher) Register(directory string, opts RegisterOptions) (string, error) {
	if opts.Recursive {
		return "", ErrRecursionUnsupported
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	wd, err := unix.InotifyAddWatch(w.fd, directory, uint32(linuxInotifyEventsFlags))
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return "", errors.Wrap(err, "unable to add inotify watch")
	}

	key := uuid.NewString()
	reg := &linuxRegistration{key: key, wd: int32(wd), dir: directory}
	w.byWD[reg.wd] = reg
	w.byKey[key] = reg
	w.evictor.Add(key, struct{}{})

	return key, nil
}

// forgetWatch drops the bookkeeping for a watch descriptor the kernel has
// already invalidated on its own (IN_IGNORED). Unlike Unregister, it must
// not call InotifyRmWatch: the kernel has already removed the watch, and
// doing so again would just return EINVAL.
func (w *linuxWatcher) forgetWatch(wd int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	reg, ok := w.byWD[wd]
	if !ok {
		return
	}
	delete(w.byWD, wd)
	delete(w.byKey, reg.key)
	w.evictor.Remove(reg.key)
}

func (w *linuxWatcher) Unregister(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	reg, ok := w.byKey[key]
	if !ok {
		return nil
	}
	delete(w.byKey, key)
	delete(w.byWD, reg.wd)
	unix.InotifyRmWatch(w.fd, uint32(reg.wd))
	return nil
}

func (w *linuxWatcher) Events() <-chan RawEvent { return w.events }
func (w *linuxWatcher) Errors() <-chan error    { return w.errs }

func (w *linuxWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	return unix.Close(w.fd)
}

func (w *linuxWatcher) run() {
	buf := make([]byte, linuxEventBufferSize)
	for {
		select {
		case <-w.done:
			return
		default:
		}

		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			select {
			case <-w.done:
			default:
				w.emitError(errors.Wrap(err, "inotify read failed"))
			}
			return
		}
		if n <= 0 {
			continue
		}
		w.parse(buf[:n])
	}
}

func (w *linuxWatcher) parse(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameLen := int(raw.Len)

		var name string
		if nameLen > 0 {
			nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = cString(nameBytes)
		}
		offset += unix.SizeofInotifyEvent + nameLen

		w.mu.Lock()
		reg, ok := w.byWD[raw.Wd]
		w.mu.Unlock()

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			select {
			case w.events <- RawEvent{Kind: EventOverflow, Count: 1}:
			default:
			}
			continue
		}
		if !ok {
			continue
		}
		if raw.Mask&unix.IN_IGNORED != 0 {
			// The kernel removes a watch on its own once the watched
			// directory is deleted or its filesystem is unmounted, and
			// signals that with IN_IGNORED rather than one of the
			// delete/move masks. Forget the descriptor so a stale wd
			// doesn't linger in byWD/byKey, and tell the Pipeline the
			// registration is gone so it can drop the mapping in turn.
			w.forgetWatch(raw.Wd)
			select {
			case w.events <- RawEvent{Kind: EventInvalidate, RegistrationKey: reg.key}:
			default:
			}
			continue
		}

		path := reg.dir
		if name != "" {
			path = path + string(os.PathSeparator) + name
		}
		if w.filter != nil && w.filter(path) {
			continue
		}

		kind, ok := inotifyEventKind(raw.Mask)
		if !ok {
			continue
		}

		select {
		case w.events <- RawEvent{
			Kind:            kind,
			RegistrationKey: reg.key,
			Name:            name,
			IsDirectoryHint: raw.Mask&unix.IN_ISDIR != 0,
		}:
		default:
			select {
			case w.events <- RawEvent{Kind: EventOverflow, RegistrationKey: reg.key, Count: 1}:
			default:
			}
		}
	}
}

func inotifyEventKind(mask uint32) (EventKind, bool) {
	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		return EventCreate, true
	case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF|unix.IN_MOVED_FROM|unix.IN_MOVE_SELF) != 0:
		return EventDelete, true
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_CLOSE_WRITE) != 0:
		return EventModify, true
	default:
		return 0, false
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (w *linuxWatcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
