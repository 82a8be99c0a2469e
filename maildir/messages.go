package maildir

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// messageMapper stores messages as files in the folder's cur/ and new/
// directories, indexed by the uid-list.
type messageMapper struct {
	s *Store
}

// Execute runs fn directly. Each message operation is atomic on its own.
func (m *messageMapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// entryContent opens a message by its uid-list name, following renames
// made after the entry was read.
type entryContent struct {
	f    *Folder
	name string
}

func (c entryContent) Open() (io.ReadCloser, error) {
	path, _, err := c.f.locate(c.name)
	if err != nil {
		return nil, errors.Storage("locate", c.name, err)
	}
	return os.Open(path)
}

// flaggedEntry is a uid-list entry with the flags its file name and
// directory encode.
type flaggedEntry struct {
	UidEntry
	flags mailstore.Flags
}

// entries returns the entries of the folder of mbox accepted by keep.
func (m *messageMapper) entries(mbox *mailstore.Mailbox, keep func(flaggedEntry) bool) ([]flaggedEntry, error) {
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return nil, err
	}
	l, err := f.ReadUidList()
	if err != nil {
		return nil, err
	}
	files, err := f.listMessages()
	if err != nil {
		return nil, err
	}
	kw, err := f.Keywords()
	if err != nil {
		return nil, err
	}
	isNew := make(map[string]bool, len(files))
	for _, df := range files {
		isNew[df.name] = df.isNew
	}

	var out []flaggedEntry
	for _, e := range l.Entries {
		fe := flaggedEntry{UidEntry: e, flags: ParseMessageName(e.Name, kw).Flags}
		if isNew[e.Name] {
			fe.flags = fe.flags.With(mailstore.FlagRecent)
		}
		if keep == nil || keep(fe) {
			out = append(out, fe)
		}
	}
	return out, nil
}

func (m *messageMapper) uids(mbox *mailstore.Mailbox, keep func(flaggedEntry) bool) ([]imap.UID, error) {
	entries, err := m.entries(mbox, keep)
	if err != nil {
		return nil, err
	}
	uids := make([]imap.UID, 0, len(entries))
	for _, e := range entries {
		uids = append(uids, e.UID)
	}
	return uids, nil
}

// load parses the message file of e.
func (m *messageMapper) load(f *Folder, kw *Keywords, mbox *mailstore.Mailbox, e UidEntry) (*mailstore.Message, error) {
	path, isNew, err := f.messageFile(e)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Storage("open", path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Storage("stat", path, err)
	}
	parsed, err := mailstore.ParseMessage(file)
	if err != nil {
		return nil, fmt.Errorf("uid %d: %w", e.UID, err)
	}

	flags := ParseMessageName(e.Name, kw).Flags
	if isNew {
		flags = flags.With(mailstore.FlagRecent)
	}
	return &mailstore.Message{
		MailboxID:        mbox.ID,
		UID:              e.UID,
		InternalDate:     info.ModTime(),
		Size:             parsed.Size,
		BodyOffset:       parsed.BodyOffset,
		Flags:            flags,
		Headers:          parsed.Headers,
		MediaType:        parsed.MediaType,
		SubType:          parsed.SubType,
		MediaParams:      parsed.MediaParams,
		TextualLineCount: parsed.TextualLineCount,
		Content:          entryContent{f: f, name: e.Name},
	}, nil
}

// FindInMailbox parses the messages in r. A message whose file disappears
// while it is read is skipped.
func (m *messageMapper) FindInMailbox(_ context.Context, mbox *mailstore.Mailbox, r mailstore.MessageRange) ([]*mailstore.Message, error) {
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return nil, err
	}
	entries, err := f.Range(r.Bounds())
	if err != nil {
		return nil, err
	}
	kw, err := f.Keywords()
	if err != nil {
		return nil, err
	}

	out := make([]*mailstore.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := m.load(f, kw, mbox, e)
		if stderrors.Is(err, fs.ErrNotExist) {
			m.s.logger.Warn("message file vanished",
				slog.String("folder", f.Path()),
				slog.Uint64("uid", uint64(e.UID)))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *messageMapper) FindMarkedForDeletionInMailbox(_ context.Context, mbox *mailstore.Mailbox, r mailstore.MessageRange) ([]imap.UID, error) {
	return m.uids(mbox, func(e flaggedEntry) bool {
		return r.Contains(e.UID) && e.flags.Has(imap.FlagDeleted)
	})
}

func (m *messageMapper) FindRecentMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) ([]imap.UID, error) {
	return m.uids(mbox, func(e flaggedEntry) bool {
		return e.flags.Has(mailstore.FlagRecent)
	})
}

func (m *messageMapper) FindUnseenMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) ([]imap.UID, error) {
	return m.uids(mbox, func(e flaggedEntry) bool {
		return !e.flags.Has(imap.FlagSeen)
	})
}

func (m *messageMapper) CountMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) (int, error) {
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return 0, err
	}
	l, err := f.ReadUidList()
	if err != nil {
		return 0, err
	}
	return len(l.Entries), nil
}

func (m *messageMapper) CountUnseenMessagesInMailbox(ctx context.Context, mbox *mailstore.Mailbox) (int, error) {
	uids, err := m.FindUnseenMessagesInMailbox(ctx, mbox)
	return len(uids), err
}

func (m *messageMapper) SearchMailbox(ctx context.Context, mbox *mailstore.Mailbox, query *mailstore.SearchQuery) ([]imap.UID, error) {
	msgs, err := m.FindInMailbox(ctx, mbox, mailstore.All())
	if err != nil {
		return nil, err
	}
	var uids []imap.UID
	for _, msg := range msgs {
		ok, err := query.Match(msg)
		if err != nil {
			return nil, fmt.Errorf("search uid %d: %w", msg.UID, err)
		}
		if ok {
			uids = append(uids, msg.UID)
		}
	}
	return uids, nil
}

// Save adds msg as a new file, or renames the file of an existing UID to
// carry msg.Flags.
func (m *messageMapper) Save(_ context.Context, mbox *mailstore.Mailbox, msg *mailstore.Message) error {
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return err
	}
	_, exists, err := f.Lookup(msg.UID)
	if err != nil {
		return err
	}
	if exists {
		stored, err := f.UpdateFlags(msg.UID, msg.Flags)
		if err != nil {
			return err
		}
		msg.Flags = stored
		return nil
	}

	rc, err := msg.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	name, stored, err := f.AddMessage(msg.UID, rc, msg.Flags, msg.InternalDate)
	if err != nil {
		return err
	}
	msg.MailboxID = mbox.ID
	msg.Flags = stored
	msg.Content = entryContent{f: f, name: name}
	return nil
}

func (m *messageMapper) Delete(_ context.Context, mbox *mailstore.Mailbox, uid imap.UID) error {
	f, err := m.s.existingFolder(mbox.Path)
	if err != nil {
		return err
	}
	return f.DeleteMessage(uid)
}
