package mailstore

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// Transactional runs a unit of work atomically against a backend.
type Transactional interface {
	// Execute runs fn as one transaction. If fn returns an error the
	// changes it made are discarded where the backend supports it.
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// MailboxMapper persists mailbox records.
type MailboxMapper interface {
	Transactional

	// FindByPath returns the mailbox at path, or ErrMailboxNotFound.
	FindByPath(ctx context.Context, path MailboxPath) (*Mailbox, error)

	// FindByID returns the mailbox of user with the given ID, wherever it
	// has been renamed to, or ErrMailboxNotFound.
	FindByID(ctx context.Context, user, id string) (*Mailbox, error)

	// FindWithPathLike returns the mailboxes selected by query.
	FindWithPathLike(ctx context.Context, query MailboxQuery) ([]*Mailbox, error)

	// Save creates mbox, or updates it if its ID is already stored. A new
	// mailbox gets an ID and a UID validity if they are unset.
	Save(ctx context.Context, mbox *Mailbox) error

	// Rename moves mbox to path. Children are not moved.
	Rename(ctx context.Context, mbox *Mailbox, to MailboxPath) error

	// Delete removes mbox and all of its messages.
	Delete(ctx context.Context, mbox *Mailbox) error

	// HasChildren reports whether any mailbox exists below mbox.
	HasChildren(ctx context.Context, mbox *Mailbox, delim rune) (bool, error)

	// List returns every mailbox owned by user.
	List(ctx context.Context, user string) ([]*Mailbox, error)
}

// MessageMapper persists messages. Results are ordered by ascending UID.
type MessageMapper interface {
	Transactional

	FindInMailbox(ctx context.Context, mbox *Mailbox, r MessageRange) ([]*Message, error)
	FindMarkedForDeletionInMailbox(ctx context.Context, mbox *Mailbox, r MessageRange) ([]imap.UID, error)
	FindRecentMessagesInMailbox(ctx context.Context, mbox *Mailbox) ([]imap.UID, error)
	FindUnseenMessagesInMailbox(ctx context.Context, mbox *Mailbox) ([]imap.UID, error)
	CountMessagesInMailbox(ctx context.Context, mbox *Mailbox) (int, error)
	CountUnseenMessagesInMailbox(ctx context.Context, mbox *Mailbox) (int, error)
	SearchMailbox(ctx context.Context, mbox *Mailbox, query *SearchQuery) ([]imap.UID, error)

	// Save stores msg. A message whose UID is not yet stored is added,
	// otherwise the stored flags are replaced by msg.Flags. On return
	// msg.Flags holds the flags actually stored.
	Save(ctx context.Context, mbox *Mailbox, msg *Message) error

	// Delete removes the message and its content. A missing message is
	// reported as ErrMessageNotFound.
	Delete(ctx context.Context, mbox *Mailbox, uid imap.UID) error
}

// UidProvider mints UIDs. NextUID returns a value strictly greater than any
// value it returned before for the same mailbox and UID validity, including
// under concurrent use.
type UidProvider interface {
	NextUID(ctx context.Context, mbox *Mailbox) (imap.UID, error)
	LastUID(ctx context.Context, mbox *Mailbox) (imap.UID, error)
}

// Backend is a storage strategy: a pair of mappers and the UID provider
// that matches their persistence.
type Backend interface {
	Mailboxes() MailboxMapper
	Messages() MessageMapper
	UIDProvider() UidProvider
	Close() error
}
