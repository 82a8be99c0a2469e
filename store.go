package mailstore

import (
	"context"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// FetchGroup selects the optional parts of a MetaData snapshot.
type FetchGroup uint8

const (
	// FetchCount includes MessageCount.
	FetchCount FetchGroup = 1 << iota
	// FetchUnseenCount includes UnseenCount.
	FetchUnseenCount
	// FetchFirstUnseen includes FirstUnseen.
	FetchFirstUnseen

	// FetchNoCount selects none of the optional parts.
	FetchNoCount FetchGroup = 0
	// FetchAll selects every optional part.
	FetchAll = FetchCount | FetchUnseenCount | FetchFirstUnseen
)

// Has reports whether g includes part.
func (g FetchGroup) Has(part FetchGroup) bool {
	return g&part != 0
}

// MetaData is a snapshot of a mailbox taken on SELECT, EXAMINE or STATUS.
type MetaData struct {
	Recent         []imap.UID
	PermanentFlags Flags
	UIDValidity    uint32
	UIDNext        imap.UID
	MessageCount   int
	UnseenCount    int
	FirstUnseen    imap.UID
	Writable       bool
}

// PermanentFlagsProvider is implemented by backends that cannot store
// every keyword. The returned set holds the flags mbox can store and
// imap.FlagWildcard if new keywords can still be created.
type PermanentFlagsProvider interface {
	PermanentFlags(ctx context.Context, mbox *Mailbox) (Flags, error)
}

// CopyResult maps a copied message to its UID in the destination.
type CopyResult struct {
	Source imap.UID
	Dest   imap.UID
}

// MessageManager operates on the messages of one mailbox.
type MessageManager interface {
	// Mailbox returns a snapshot of the mailbox record.
	Mailbox() *Mailbox

	// AppendMessage stores the message read from r and returns its UID.
	// The message gets RECENT when recent is true.
	AppendMessage(ctx context.Context, session *MailboxSession, r io.Reader, internalDate time.Time, recent bool, flags Flags) (imap.UID, error)

	// Expunge removes the messages in r carrying DELETED and returns their
	// UIDs.
	Expunge(ctx context.Context, session *MailboxSession, r MessageRange) ([]imap.UID, error)

	// SetFlags applies flags to every message in r with STORE semantics and
	// returns one update per message, changed or not.
	SetFlags(ctx context.Context, session *MailboxSession, flags Flags, op imap.StoreFlagsOp, r MessageRange) ([]FlagsUpdate, error)

	GetMessages(ctx context.Context, session *MailboxSession, r MessageRange) ([]*Message, error)

	Search(ctx context.Context, session *MailboxSession, query *SearchQuery) ([]imap.UID, error)

	// CopyTo copies the messages in r into dest.
	CopyTo(ctx context.Context, session *MailboxSession, r MessageRange, dest MessageManager) ([]CopyResult, error)

	// MetaData returns a snapshot of the mailbox. With resetRecent the
	// returned recent messages lose RECENT.
	MetaData(ctx context.Context, session *MailboxSession, resetRecent bool, group FetchGroup) (*MetaData, error)
}

// Children describes whether a mailbox has sub-mailboxes.
type Children int

const (
	ChildrenUnknown Children = iota
	HasChildren
	HasNoChildren
)

// Selectability describes whether a mailbox can be selected.
type Selectability int

const (
	Selectable Selectability = iota
	// NoSelect marks a hierarchy level that exists only as a parent.
	NoSelect
)

// MailboxMetaData is one LIST result.
type MailboxMetaData struct {
	Path          MailboxPath
	Delimiter     rune
	Children      Children
	Selectability Selectability
}

// MailboxManager operates on the mailboxes of a backend.
type MailboxManager interface {
	CreateSession(user string) *MailboxSession

	// CreateMailbox creates path and any missing parent levels.
	CreateMailbox(ctx context.Context, session *MailboxSession, path MailboxPath) error
	DeleteMailbox(ctx context.Context, session *MailboxSession, path MailboxPath) error

	// RenameMailbox moves from and its children to to.
	RenameMailbox(ctx context.Context, session *MailboxSession, from, to MailboxPath) error

	GetMailbox(ctx context.Context, session *MailboxSession, path MailboxPath) (MessageManager, error)

	// ExamineMailbox returns a read-only view of the mailbox at path.
	ExamineMailbox(ctx context.Context, session *MailboxSession, path MailboxPath) (MessageManager, error)
	MailboxExists(ctx context.Context, session *MailboxSession, path MailboxPath) (bool, error)

	Search(ctx context.Context, session *MailboxSession, query MailboxQuery) ([]MailboxMetaData, error)
	List(ctx context.Context, session *MailboxSession) ([]MailboxPath, error)

	CopyMessages(ctx context.Context, session *MailboxSession, r MessageRange, from, to MailboxPath) ([]CopyResult, error)

	AddListener(path MailboxPath, l Listener)
	RemoveListener(path MailboxPath, l Listener)
}
