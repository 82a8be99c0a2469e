package event

import (
	"slices"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
)

// SelectedMailbox is one session's view of the mailbox it has selected.
// It is registered as a listener and accumulates the changes the session
// must report to its client: new messages, expunges, and flag changes made
// by other sessions.
type SelectedMailbox struct {
	mu sync.Mutex

	sessionID uint64
	path      mailstore.MailboxPath

	recent      map[imap.UID]struct{}
	expunged    map[imap.UID]struct{}
	flagUpdates map[imap.UID]mailstore.FlagsUpdate
	sizeChanged bool

	deletedByOther bool
	closed         bool
}

// NewSelectedMailbox returns the view of path for session, starting with
// the given recent messages.
func NewSelectedMailbox(session *mailstore.MailboxSession, path mailstore.MailboxPath, recent []imap.UID) *SelectedMailbox {
	s := &SelectedMailbox{
		sessionID:   session.ID,
		path:        path,
		recent:      make(map[imap.UID]struct{}, len(recent)),
		expunged:    make(map[imap.UID]struct{}),
		flagUpdates: make(map[imap.UID]mailstore.FlagsUpdate),
	}
	for _, uid := range recent {
		s.recent[uid] = struct{}{}
	}
	return s
}

// Event implements mailstore.Listener.
func (s *SelectedMailbox) Event(ev mailstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case mailstore.Added:
		for _, m := range e.Messages {
			if m.Flags.Has(mailstore.FlagRecent) {
				s.recent[m.UID] = struct{}{}
			}
		}
		s.sizeChanged = true
	case mailstore.Expunged:
		for _, uid := range e.UIDs {
			s.expunged[uid] = struct{}{}
			delete(s.recent, uid)
			delete(s.flagUpdates, uid)
		}
	case mailstore.FlagsUpdated:
		for _, u := range e.Updates {
			if u.New.Has(mailstore.FlagRecent) {
				s.recent[u.UID] = struct{}{}
			} else {
				delete(s.recent, u.UID)
			}
			if e.Session == s.sessionID {
				continue
			}
			if prev, ok := s.flagUpdates[u.UID]; ok {
				u.Old = prev.Old
			}
			s.flagUpdates[u.UID] = u
		}
	case mailstore.MailboxRenamed:
		s.path = e.NewPath
	case mailstore.MailboxDeleted:
		if e.Session != s.sessionID {
			s.deletedByOther = true
		}
		s.closed = true
	}
	return nil
}

// IsClosed implements mailstore.Listener.
func (s *SelectedMailbox) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the view from receiving further events.
func (s *SelectedMailbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Path returns the current path of the mailbox, following renames.
func (s *SelectedMailbox) Path() mailstore.MailboxPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Recent returns the recent UIDs in ascending order.
func (s *SelectedMailbox) Recent() []imap.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.recent)
}

// IsRecent reports whether uid is recent for this session.
func (s *SelectedMailbox) IsRecent(uid imap.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recent[uid]
	return ok
}

// RemoveRecent drops uid from the recent set and reports whether it was
// there.
func (s *SelectedMailbox) RemoveRecent(uid imap.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recent[uid]
	delete(s.recent, uid)
	return ok
}

// Expunged returns the UIDs expunged since the last ResetEvents.
func (s *SelectedMailbox) Expunged() []imap.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.expunged)
}

// FlagUpdates returns the flag changes made by other sessions since the
// last ResetEvents, one per message, ordered by UID.
func (s *SelectedMailbox) FlagUpdates() []mailstore.FlagsUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := make([]mailstore.FlagsUpdate, 0, len(s.flagUpdates))
	for _, uid := range sortedKeys(s.flagUpdates) {
		updates = append(updates, s.flagUpdates[uid])
	}
	return updates
}

// SizeChanged reports whether messages were added since the last
// ResetEvents.
func (s *SelectedMailbox) SizeChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeChanged
}

// IsDeletedByOtherSession reports whether another session deleted the
// mailbox.
func (s *SelectedMailbox) IsDeletedByOtherSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedByOther
}

// ResetEvents clears the accumulated expunges, flag changes and size
// change after they have been reported to the client.
func (s *SelectedMailbox) ResetEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.expunged)
	clear(s.flagUpdates)
	s.sizeChanged = false
}

func sortedKeys[V any](m map[imap.UID]V) []imap.UID {
	keys := make([]imap.UID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ mailstore.Listener = (*SelectedMailbox)(nil)
