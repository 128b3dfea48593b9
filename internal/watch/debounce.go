package watch

import (
	"time"

	"github.com/docgraph/docgraph/internal/log"
)

// DefaultWindow is the default event settle window.
const DefaultWindow = 500 * time.Millisecond

// outBuffer bounds the change-set queue feeding the reconciler. When it is
// full the debouncer keeps coalescing into the pending set instead of
// dropping, preserving eventual consistency under backpressure.
const outBuffer = 16

// Debouncer coalesces a stream of events into settled change sets, emitting
// at most one ChangeSet per window. Repeated events for the same path within
// a window collapse to the path's latest kind, with one exception: a created
// path that is then modified is still a creation.
type Debouncer struct {
	window time.Duration
	in     <-chan Event
	out    chan ChangeSet
	logger log.Logger
	done   chan struct{}
}

// NewDebouncer starts a debouncer over in. The debouncer stops, flushes any
// pending work, and closes its output when in is closed. logger may be nil.
func NewDebouncer(in <-chan Event, window time.Duration, logger log.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = log.NewNop()
	}
	d := &Debouncer{
		window: window,
		in:     in,
		out:    make(chan ChangeSet, outBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Changes is the settled change-set stream. Closed after the input closes
// and the final flush is delivered.
func (d *Debouncer) Changes() <-chan ChangeSet {
	return d.out
}

// Done is closed when the debouncer's goroutine has exited.
func (d *Debouncer) Done() <-chan struct{} {
	return d.done
}

func (d *Debouncer) run() {
	defer close(d.done)
	defer close(d.out)

	pending := make(map[string]EventKind)
	renames := make(map[string]string)

	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	flush := func() bool {
		cs := changeSetOf(pending, renames)
		if cs.Empty() {
			return true
		}
		select {
		case d.out <- cs:
			pending = make(map[string]EventKind)
			renames = make(map[string]string)
			d.logger.Debug("change set emitted", "paths", cs.Len())
			return true
		default:
			// Consumer is behind; keep coalescing and retry next window.
			d.logger.Debug("change-set queue full, coalescing further", "pending", len(pending))
			return false
		}
	}

	for {
		select {
		case ev, ok := <-d.in:
			if !ok {
				// Input closed: deliver the final state, blocking if needed.
				stopTimer()
				cs := changeSetOf(pending, renames)
				if !cs.Empty() {
					d.out <- cs
				}
				return
			}
			coalesce(pending, renames, ev)
			if timerC == nil {
				timer = time.NewTimer(d.window)
				timerC = timer.C
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if !flush() {
				timer = time.NewTimer(d.window)
				timerC = timer.C
			}
		}
	}
}

// coalesce folds one event into the pending state.
func coalesce(pending map[string]EventKind, renames map[string]string, ev Event) {
	if ev.Kind == Rename && ev.OldPath != "" {
		// A full rename pair supersedes whatever the two paths had pending.
		delete(pending, ev.OldPath)
		delete(pending, ev.Path)
		renames[ev.OldPath] = ev.Path
		return
	}

	prev, exists := pending[ev.Path]
	if !exists {
		pending[ev.Path] = ev.Kind
		return
	}

	switch {
	case prev == Create && ev.Kind == Modify:
		// Still a creation from the reconciler's point of view.
	case prev == Delete && ev.Kind == Create:
		// Deleted then recreated within the window: an upsert covers both.
		pending[ev.Path] = Create
	default:
		pending[ev.Path] = ev.Kind
	}
}
