package mailstore

import "github.com/emersion/go-imap/v2"

// Event is a mailbox mutation notification.
type Event interface {
	// SessionID identifies the session that caused the event.
	SessionID() uint64
	// MailboxPath is the path the event is dispatched on.
	MailboxPath() MailboxPath
}

// Listener receives events for the mailbox paths it is registered on.
//
// Listeners are invoked synchronously while the dispatcher holds its lock:
// they must not block for long and must not register or remove listeners.
type Listener interface {
	Event(ev Event) error
	// IsClosed reports whether the listener should be dropped.
	IsClosed() bool
}

// EventMeta carries the fields common to all events.
type EventMeta struct {
	Session uint64
	Path    MailboxPath
}

func (m EventMeta) SessionID() uint64 { return m.Session }

func (m EventMeta) MailboxPath() MailboxPath { return m.Path }

// Added reports messages appended or copied into a mailbox.
type Added struct {
	EventMeta
	MailboxID string
	Messages  []MessageMetaData
}

// UIDs returns the UIDs of the added messages.
func (e Added) UIDs() []imap.UID {
	uids := make([]imap.UID, len(e.Messages))
	for i, m := range e.Messages {
		uids[i] = m.UID
	}
	return uids
}

// Expunged reports messages permanently removed from a mailbox.
type Expunged struct {
	EventMeta
	MailboxID string
	UIDs      []imap.UID
}

// FlagsUpdated reports messages whose flags changed.
type FlagsUpdated struct {
	EventMeta
	MailboxID string
	Updates   []FlagsUpdate
}

// MailboxAdded reports a newly created mailbox.
type MailboxAdded struct {
	EventMeta
	MailboxID string
}

// MailboxDeleted reports a deleted mailbox.
type MailboxDeleted struct {
	EventMeta
	MailboxID string
}

// MailboxRenamed reports a mailbox moved from Path to NewPath.
type MailboxRenamed struct {
	EventMeta
	MailboxID string
	NewPath   MailboxPath
}
