package maildir

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// mailboxMapper stores mailbox records as maildir folders. The record is
// derived from the folder: ID and UID validity live in metadata files and
// LastUID in the uid-list header.
type mailboxMapper struct {
	s *Store
}

// Execute runs fn directly. Maildir changes are committed file by file.
func (m *mailboxMapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// load builds the record of the folder at path.
func (m *mailboxMapper) load(path mailstore.MailboxPath) (*mailstore.Mailbox, error) {
	f, err := m.s.existingFolder(path)
	if err != nil {
		return nil, err
	}
	// The uid-list goes first: creating it may reset the UID validity.
	last, err := f.LastUID()
	if err != nil {
		return nil, err
	}
	validity, err := f.UIDValidity()
	if err != nil {
		return nil, err
	}
	id, err := f.MailboxID()
	if err != nil {
		return nil, err
	}
	return &mailstore.Mailbox{ID: id, Path: path, UIDValidity: validity, LastUID: last}, nil
}

func (m *mailboxMapper) FindByPath(_ context.Context, path mailstore.MailboxPath) (*mailstore.Mailbox, error) {
	return m.load(path)
}

func (m *mailboxMapper) FindWithPathLike(ctx context.Context, query mailstore.MailboxQuery) ([]*mailstore.Mailbox, error) {
	all, err := m.List(ctx, query.Base.User)
	if err != nil {
		return nil, err
	}
	var out []*mailstore.Mailbox
	for _, mbox := range all {
		if query.Matches(mbox.Path) {
			out = append(out, mbox)
		}
	}
	return out, nil
}

func (m *mailboxMapper) Save(_ context.Context, mbox *mailstore.Mailbox) error {
	f, err := m.s.Folder(mbox.Path)
	if err != nil {
		return err
	}

	if f.Exists() {
		id, err := f.MailboxID()
		if err != nil {
			return err
		}
		if mbox.ID != id {
			return errors.ErrMailboxExists
		}
		if mbox.UIDValidity != 0 {
			return f.SetUIDValidity(mbox.UIDValidity)
		}
		return nil
	}

	if err := f.Create(); err != nil {
		return err
	}
	if mbox.ID == "" {
		mbox.ID = uuid.NewString()
	}
	if mbox.UIDValidity == 0 {
		mbox.UIDValidity = mailstore.NewUIDValidity()
	}
	if err := f.SetMailboxID(mbox.ID); err != nil {
		return err
	}
	if err := f.SetUIDValidity(mbox.UIDValidity); err != nil {
		return err
	}
	last, err := f.LastUID()
	if err != nil {
		return err
	}
	mbox.LastUID = last
	return nil
}

func (m *mailboxMapper) Rename(_ context.Context, mbox *mailstore.Mailbox, to mailstore.MailboxPath) error {
	src, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return err
	}
	dst, err := m.s.Folder(to)
	if err != nil {
		return err
	}
	if dst.Exists() {
		return errors.ErrMailboxExists
	}
	if to.IsInbox() {
		return errors.ErrInvalidMailboxName
	}
	defer src.forget()
	defer dst.forget()

	if mbox.Path.IsInbox() {
		if err := moveInbox(src, dst); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dst.Path()), 0700); err != nil {
			return errors.Storage("mkdir", dst.Path(), err)
		}
		if err := os.Rename(src.Path(), dst.Path()); err != nil {
			return errors.Storage("rename", src.Path(), err)
		}
	}
	mbox.Path = to
	return nil
}

// moveInbox moves the messages and metadata of the INBOX folder into dst.
// The INBOX directory holds the other folders, so it stays in place and
// starts over empty with a new identity.
func moveInbox(inbox, dst *Folder) error {
	if err := dst.Create(); err != nil {
		return err
	}
	return inbox.locker.WithLock(inbox.uidListPath(), func() error {
		for _, sub := range []string{"cur", "new"} {
			names, err := inbox.listDir(sub)
			if err != nil {
				return err
			}
			for _, name := range names {
				from := filepath.Join(inbox.Path(), sub, name)
				if err := os.Rename(from, filepath.Join(dst.Path(), sub, name)); err != nil {
					return errors.Storage("rename", from, err)
				}
			}
		}
		for _, meta := range []string{UidListFile, UidValidityFile, MailboxIDFile, KeywordsFile} {
			from := filepath.Join(inbox.Path(), meta)
			if err := os.Rename(from, filepath.Join(dst.Path(), meta)); err != nil && !os.IsNotExist(err) {
				return errors.Storage("rename", from, err)
			}
		}
		return nil
	})
}

func (m *mailboxMapper) Delete(_ context.Context, mbox *mailstore.Mailbox) error {
	if mbox.Path.IsInbox() {
		return errors.ErrInvalidMailboxName
	}
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return err
	}
	defer f.forget()
	return removeAll(f.Path())
}

func (m *mailboxMapper) HasChildren(ctx context.Context, mbox *mailstore.Mailbox, delim rune) (bool, error) {
	all, err := m.List(ctx, mbox.Path.User)
	if err != nil {
		return false, err
	}
	for _, other := range all {
		if other.Path.IsChildOf(mbox.Path, delim) {
			return true, nil
		}
	}
	return false, nil
}

// paths returns INBOX and every .<name> folder of the user root. The INBOX
// folder may not exist.
func (m *mailboxMapper) paths(user string) ([]mailstore.MailboxPath, error) {
	root, err := m.s.userRoot(user)
	if err != nil {
		return nil, err
	}

	paths := []mailstore.MailboxPath{mailstore.InboxPath(user)}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Storage("readdir", root, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, ".") || name == "." || name == ".." {
			continue
		}
		paths = append(paths, mailstore.NewMailboxPath(user, name[1:]))
	}
	return paths, nil
}

// FindByID scans the folders of user for the one recording id.
func (m *mailboxMapper) FindByID(_ context.Context, user, id string) (*mailstore.Mailbox, error) {
	paths, err := m.paths(user)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		f, err := m.s.existingFolder(path)
		if stderrors.Is(err, errors.ErrMailboxNotFound) || stderrors.Is(err, errors.ErrInvalidMailboxName) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stored, err := f.storedMailboxID()
		if err != nil {
			return nil, err
		}
		if stored == id {
			return m.load(path)
		}
	}
	return nil, errors.ErrMailboxNotFound
}

// List returns INBOX, if its folder exists, and every .<name> folder of the
// user root, sorted by path.
func (m *mailboxMapper) List(_ context.Context, user string) ([]*mailstore.Mailbox, error) {
	paths, err := m.paths(user)
	if err != nil {
		return nil, err
	}

	var out []*mailstore.Mailbox
	for _, path := range paths {
		mbox, err := m.load(path)
		if stderrors.Is(err, errors.ErrMailboxNotFound) || stderrors.Is(err, errors.ErrInvalidMailboxName) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, mbox)
	}
	slices.SortFunc(out, func(a, b *mailstore.Mailbox) int {
		return strings.Compare(a.Path.String(), b.Path.String())
	})
	return out, nil
}
