//go:build windows
// +build windows

package platform

import (
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// RecursionSupported is true on this backend: ReadDirectoryChangesW can be
// told to watch an entire subtree with a single handle.
const RecursionSupported = true

// SynthesizesNestedCreates is false: ReadDirectoryChangesW reports the new
// directory's own creation but not the creation of anything that already
// existed inside it at that instant (e.g. a subtree moved or extracted in
// faster than the notification arrived), so a caller must still walk it.
const SynthesizesNestedCreates = false

const (
	windowsBufferSize = 64 * 1024
	windowsNotifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
		windows.FILE_NOTIFY_CHANGE_DIR_NAME |
		windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
		windows.FILE_NOTIFY_CHANGE_SIZE |
		windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
		windows.FILE_NOTIFY_CHANGE_CREATION
)

// windowsWatcher implements Watcher using ReadDirectoryChangesW directly
// (no intermediate third-party wrapper is part of this module's
// dependency surface; see DESIGN.md). Each registration opens its own
// directory handle and runs its own read loop, since ReadDirectoryChangesW
// is inherently per-handle and per-subtree.
type windowsWatcher struct {
	mu            sync.Mutex
	registrations map[string]*windowsRegistration
	closed        bool
	filter        Filter

	events chan RawEvent
	errs   chan error
}

type windowsRegistration struct {
	key    string
	dir    string
	handle windows.Handle
	cancel chan struct{}
}

// NewWatcher creates a platform Watcher for the current OS.
func NewWatcher(cfg Config) (Watcher, error) {
	cfg = normalizedConfig(cfg)
	return &windowsWatcher{
		registrations: make(map[string]*windowsRegistration),
		filter:        cfg.Filter,
		events:        make(chan RawEvent, cfg.QueueSize),
		errs:          make(chan error, 16),
	}, nil
}

func (w *windowsWatcher) Register(directory string, opts RegisterOptions) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	pathPtr, err := windows.UTF16PtrFromString(directory)
	if err != nil {
		return "", errors.Wrap(err, "unable to convert watch path")
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return "", errors.Wrap(err, "unable to open directory handle")
	}

	key := uuid.NewString()
	reg := &windowsRegistration{
		key:    key,
		dir:    directory,
		handle: handle,
		cancel: make(chan struct{}),
	}
	w.registrations[key] = reg

	go w.run(reg, opts.Recursive)

	return key, nil
}

func (w *windowsWatcher) run(reg *windowsRegistration, recursive bool) {
	buf := make([]byte, windowsBufferSize)
	var overlapped windows.Overlapped

	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		w.emitError(errors.Wrap(err, "unable to create overlapped event"))
		return
	}
	defer windows.CloseHandle(event)
	overlapped.HEvent = event

	for {
		select {
		case <-reg.cancel:
			return
		default:
		}

		var bytesReturned uint32
		err := windows.ReadDirectoryChanges(
			reg.handle,
			&buf[0],
			uint32(len(buf)),
			recursive,
			windowsNotifyFilter,
			&bytesReturned,
			&overlapped,
			0,
		)
		if err != nil {
			// A failed restart commonly means the watched directory itself
			// is gone (removed, or its volume unmounted); either way this
			// handle can never report again, so the registration is
			// retired rather than just logging and going silent.
			w.emitError(errors.Wrap(err, "ReadDirectoryChangesW failed"))
			w.invalidate(reg)
			return
		}

		waitResult, err := windows.WaitForSingleObject(event, windows.INFINITE)
		if err != nil || waitResult != windows.WAIT_OBJECT_0 {
			select {
			case <-reg.cancel:
			default:
				w.emitError(errors.New("wait for directory change notification failed"))
				w.invalidate(reg)
			}
			return
		}

		var transferred uint32
		if err := windows.GetOverlappedResult(reg.handle, &overlapped, &transferred, false); err != nil {
			w.emitError(errors.Wrap(err, "unable to retrieve overlapped result"))
			w.invalidate(reg)
			return
		}
		windows.ResetEvent(event)

		if transferred == 0 {
			// A zero-length result with no error indicates an overflow: the
			// kernel buffer filled faster than we could drain it.
			select {
			case w.events <- RawEvent{Kind: EventOverflow, RegistrationKey: reg.key, Count: 1}:
			default:
			}
			continue
		}

		w.parse(reg, buf[:transferred])
	}
}

func (w *windowsWatcher) parse(reg *windowsRegistration, buf []byte) {
	offset := 0
	for {
		if offset+12 > len(buf) {
			return
		}
		info := (*windows.FileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		nameLen := int(info.FileNameLength) / 2
		nameOffset := offset + 12
		if nameOffset+int(info.FileNameLength) > len(buf) {
			return
		}
		nameUTF16 := (*[1 << 20]uint16)(unsafe.Pointer(&buf[nameOffset]))[:nameLen:nameLen]
		name := strings.ReplaceAll(syscall.UTF16ToString(nameUTF16), "\\", "/")

		kind, ok := windowsActionKind(info.Action)
		if ok {
			if w.filter == nil || !w.filter(reg.dir+"/"+name) {
				select {
				case w.events <- RawEvent{Kind: kind, RegistrationKey: reg.key, Name: name}:
				default:
					select {
					case w.events <- RawEvent{Kind: EventOverflow, RegistrationKey: reg.key, Count: 1}:
					default:
					}
				}
			}
		}

		if info.NextEntryOffset == 0 {
			return
		}
		offset += int(info.NextEntryOffset)
	}
}

func windowsActionKind(action uint32) (EventKind, bool) {
	switch action {
	case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
		return EventCreate, true
	case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
		return EventDelete, true
	case windows.FILE_ACTION_MODIFIED:
		return EventModify, true
	default:
		return 0, false
	}
}

// invalidate retires reg after its read loop hit an unrecoverable error,
// closing its handle and telling the Pipeline the registration key is no
// longer valid. It is a no-op if reg was already removed by a concurrent
// Unregister or Close, which avoids double-closing the handle and signals
// invalidation only for failures the caller didn't already know about.
func (w *windowsWatcher) invalidate(reg *windowsRegistration) {
	w.mu.Lock()
	_, ok := w.registrations[reg.key]
	if ok {
		delete(w.registrations, reg.key)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	windows.CancelIo(reg.handle)
	windows.CloseHandle(reg.handle)
	select {
	case w.events <- RawEvent{Kind: EventInvalidate, RegistrationKey: reg.key}:
	default:
	}
}

func (w *windowsWatcher) Unregister(key string) error {
	w.mu.Lock()
	reg, ok := w.registrations[key]
	if ok {
		delete(w.registrations, key)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	close(reg.cancel)
	windows.CancelIo(reg.handle)
	windows.CloseHandle(reg.handle)
	return nil
}

func (w *windowsWatcher) Events() <-chan RawEvent { return w.events }
func (w *windowsWatcher) Errors() <-chan error    { return w.errs }

func (w *windowsWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	regs := w.registrations
	w.registrations = make(map[string]*windowsRegistration)
	w.mu.Unlock()

	for _, reg := range regs {
		close(reg.cancel)
		windows.CancelIo(reg.handle)
		windows.CloseHandle(reg.handle)
	}
	return nil
}

func (w *windowsWatcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
