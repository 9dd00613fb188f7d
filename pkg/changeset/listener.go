package changeset

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelwatch/dirwatcher/pkg/pipeline"
)

// ErrOverflow is returned from Listener.OnEvent for an OVERFLOW
// notification. Spec §4.8: the aggregator "refuses to process it (it
// cannot normalize lost information) and surfaces an error" rather than
// silently dropping it or guessing at what was lost. The Pipeline catches
// this return value (see pkg/pipeline's Listener contract) and routes it
// to OnException, which in turn forwards it to the onException callback
// supplied to NewListener, if any.
var ErrOverflow = errors.New("changeset: cannot normalize an OVERFLOW event; batch is incomplete")

// Listener is the Aggregator half of spec §2's data-flow diagram ("Event
// Pipeline → (Listener | Aggregator)"): it implements pipeline.Listener
// directly, fanning the single event stream out across one Aggregator per
// registered root (a DirectoryChangeEvent's Root field selects which), so
// a caller who wants batched per-root changes instead of a raw per-event
// push can hand this straight to a watcher.Builder instead of writing
// their own dispatch.
type Listener struct {
	mu          sync.Mutex
	idleTimeout time.Duration
	onIdle      func(root string, count int)
	onException func(error)
	aggregators map[string]*Aggregator

	watching int32
}

// NewListener creates a Listener with one Aggregator per root in roots
// (additional roots discovered later are created lazily by For/OnEvent).
// idleTimeout and onIdle are forwarded to every underlying Aggregator,
// with the originating root passed back to onIdle since a single
// Aggregator's idle callback otherwise carries no root identity.
// onException, if non-nil, is invoked for ErrOverflow and any other error
// the Pipeline routes to this listener.
func NewListener(roots []string, idleTimeout time.Duration, onIdle func(root string, count int), onException func(error)) *Listener {
	l := &Listener{
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		onException: onException,
		aggregators: make(map[string]*Aggregator, len(roots)),
		watching:    1,
	}
	for _, root := range roots {
		l.aggregators[root] = l.newAggregator(root)
	}
	return l
}

func (l *Listener) newAggregator(root string) *Aggregator {
	return New(root, l.idleTimeout, func(count int) {
		if l.onIdle != nil {
			l.onIdle(root, count)
		}
	})
}

// For returns the Aggregator accumulating changes for root, registering
// one on first use if it wasn't supplied to NewListener up front.
func (l *Listener) For(root string) *Aggregator {
	l.mu.Lock()
	defer l.mu.Unlock()
	agg, ok := l.aggregators[root]
	if !ok {
		agg = l.newAggregator(root)
		l.aggregators[root] = agg
	}
	return agg
}

// Roots returns the set of roots with an Aggregator registered so far.
func (l *Listener) Roots() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	roots := make([]string, 0, len(l.aggregators))
	for root := range l.aggregators {
		roots = append(roots, root)
	}
	return roots
}

// OnEvent implements pipeline.Listener by routing event to its root's
// Aggregator. OVERFLOW events carry no usable root (spec §3: "OVERFLOW...
// may carry a null path") and are rejected outright per ErrOverflow.
func (l *Listener) OnEvent(event pipeline.Event) error {
	if event.Kind == pipeline.Overflow {
		return ErrOverflow
	}
	agg := l.For(event.Root)
	switch event.Kind {
	case pipeline.Create:
		agg.OnCreate(event.Path, event.IsDirectory, event.Hash)
	case pipeline.Modify:
		agg.OnModify(event.Path, event.IsDirectory, event.Hash)
	case pipeline.Delete:
		agg.OnDelete(event.Path, event.IsDirectory)
	}
	return nil
}

// OnException forwards to the onException callback supplied to
// NewListener, if any.
func (l *Listener) OnException(err error) {
	if l.onException != nil {
		l.onException(err)
	}
}

// OnIdle satisfies pipeline.Listener. Per-root idle notification is
// delivered through the onIdle callback passed to NewListener instead,
// since a single pipeline-wide idle count can't be attributed to one root.
func (l *Listener) OnIdle(int) {}

// IsWatching reports true until Stop has been called.
func (l *Listener) IsWatching() bool {
	return atomic.LoadInt32(&l.watching) == 1
}

// Stop tells the owning Pipeline's run loop to exit on its next IsWatching
// poll.
func (l *Listener) Stop() {
	atomic.StoreInt32(&l.watching, 0)
}
