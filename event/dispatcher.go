// Package event routes mailbox events to the listeners registered on each
// mailbox path, and provides the session-local view of a selected mailbox
// that is kept current by those events.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/infodancer/mailstore"
)

// Dispatcher fans events out to listeners keyed by mailbox path.
//
// Listeners run while the dispatcher lock is held, so events dispatched
// for the same path are delivered in dispatch order. A listener must not
// call back into the dispatcher.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[mailstore.MailboxPath][]mailstore.Listener
	logger    *slog.Logger
}

// NewDispatcher returns a dispatcher with no registrations.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		listeners: make(map[mailstore.MailboxPath][]mailstore.Listener),
		logger:    logger,
	}
}

// AddListener registers l for events on path.
func (d *Dispatcher) AddListener(path mailstore.MailboxPath, l mailstore.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[path] = append(d.listeners[path], l)
}

// RemoveListener drops the registration of l on path.
func (d *Dispatcher) RemoveListener(path mailstore.MailboxPath, l mailstore.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ls := d.listeners[path]
	for i, cur := range ls {
		if cur == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(d.listeners, path)
		return
	}
	d.listeners[path] = ls
}

// Listeners returns the number of listeners registered on path.
func (d *Dispatcher) Listeners(path mailstore.MailboxPath) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[path])
}

// Dispatch delivers ev to every open listener registered on its path.
// Closed listeners are skipped and unregistered. A MailboxDeleted event
// removes every registration on the path; a MailboxRenamed event moves the
// registrations to the new path.
//
// Errors returned by listeners do not stop delivery to the others; they
// are combined into the returned error.
func (d *Dispatcher) Dispatch(ev mailstore.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := ev.MailboxPath()
	var result *multierror.Error
	live := make([]mailstore.Listener, 0, len(d.listeners[path]))
	for _, l := range d.listeners[path] {
		if l.IsClosed() {
			continue
		}
		if err := l.Event(ev); err != nil {
			result = multierror.Append(result, fmt.Errorf("listener %T on %s: %w", l, path, err))
		}
		if !l.IsClosed() {
			live = append(live, l)
		}
	}

	switch e := ev.(type) {
	case mailstore.MailboxDeleted:
		delete(d.listeners, path)
	case mailstore.MailboxRenamed:
		delete(d.listeners, path)
		if len(live) > 0 {
			d.listeners[e.NewPath] = append(d.listeners[e.NewPath], live...)
			d.logger.Debug("moved listeners",
				slog.String("from", path.String()),
				slog.String("to", e.NewPath.String()),
				slog.Int("count", len(live)))
		}
	default:
		if len(live) == 0 {
			delete(d.listeners, path)
		} else {
			d.listeners[path] = live
		}
	}

	return result.ErrorOrNil()
}
