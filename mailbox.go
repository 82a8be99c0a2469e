package mailstore

import (
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultNamespace is the personal namespace.
	DefaultNamespace = "#private"

	// DefaultDelimiter separates hierarchy levels in mailbox names.
	DefaultDelimiter = '.'

	// Inbox is the canonical name of a user's primary mailbox.
	Inbox = "INBOX"
)

// MailboxPath identifies a mailbox by namespace, owner and hierarchical name.
// Paths are comparable and are used as lock and listener keys, so names are
// kept in a canonical form: Unicode NFC, with INBOX upper-cased.
type MailboxPath struct {
	Namespace string
	User      string
	Name      string
}

// NewMailboxPath returns the canonical path of name in user's personal
// namespace.
func NewMailboxPath(user, name string) MailboxPath {
	return MailboxPath{
		Namespace: DefaultNamespace,
		User:      user,
		Name:      NormalizeName(name, DefaultDelimiter),
	}
}

// InboxPath returns the path of user's INBOX.
func InboxPath(user string) MailboxPath {
	return NewMailboxPath(user, Inbox)
}

// NormalizeName returns name in canonical form.
func NormalizeName(name string, delim rune) string {
	name = norm.NFC.String(name)
	if strings.EqualFold(name, Inbox) {
		return Inbox
	}
	prefix := Inbox + string(delim)
	if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
		return prefix + name[len(prefix):]
	}
	return name
}

func (p MailboxPath) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// IsInbox reports whether p is the user's INBOX.
func (p MailboxPath) IsInbox() bool {
	return strings.EqualFold(p.Name, Inbox)
}

// Child returns the path of the sub-mailbox name of p.
func (p MailboxPath) Child(name string, delim rune) MailboxPath {
	return MailboxPath{
		Namespace: p.Namespace,
		User:      p.User,
		Name:      NormalizeName(p.Name+string(delim)+name, delim),
	}
}

// Parent returns the path one hierarchy level above p.
func (p MailboxPath) Parent(delim rune) (MailboxPath, bool) {
	i := strings.LastIndex(p.Name, string(delim))
	if i <= 0 {
		return MailboxPath{}, false
	}
	return MailboxPath{Namespace: p.Namespace, User: p.User, Name: p.Name[:i]}, true
}

// Levels returns p and all of its ancestors, top level first.
func (p MailboxPath) Levels(delim rune) []MailboxPath {
	var levels []MailboxPath
	for cur, ok := p, true; ok; cur, ok = cur.Parent(delim) {
		levels = append(levels, cur)
	}
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return levels
}

// IsChildOf reports whether p is strictly below parent in the hierarchy.
func (p MailboxPath) IsChildOf(parent MailboxPath, delim rune) bool {
	if p.Namespace != parent.Namespace || p.User != parent.User {
		return false
	}
	return strings.HasPrefix(p.Name, parent.Name+string(delim))
}

// Rebase moves p from below the from path to below the to path.
func (p MailboxPath) Rebase(from, to MailboxPath) MailboxPath {
	return MailboxPath{
		Namespace: to.Namespace,
		User:      to.User,
		Name:      to.Name + strings.TrimPrefix(p.Name, from.Name),
	}
}

// ValidName reports whether name can be used as a mailbox name: it must be
// non-empty, must not contain empty hierarchy levels, and must not use
// characters that address the filesystem.
func ValidName(name string, delim rune) bool {
	if name == "" || strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	for _, level := range strings.Split(name, string(delim)) {
		if level == "" || level == ".." {
			return false
		}
	}
	return true
}

// Mailbox is the persisted record of one mailbox.
type Mailbox struct {
	// ID is the unique identifier, preserved across renames.
	ID string

	Path MailboxPath

	// UIDValidity changes whenever previously issued UIDs become invalid.
	UIDValidity uint32

	// LastUID is the highest UID assigned in the current UIDValidity epoch.
	LastUID imap.UID
}

// Clone returns a copy of the record.
func (m *Mailbox) Clone() *Mailbox {
	c := *m
	return &c
}

// NewUIDValidity returns a fresh UID validity derived from the current time.
func NewUIDValidity() uint32 {
	return uint32(time.Now().Unix())
}
