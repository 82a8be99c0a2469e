package memory

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

type messageMapper struct {
	b *Backend
}

func (m *messageMapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.b.execute(ctx, fn)
}

// sortedLocked returns the messages of mbox ordered by UID.
func (m *messageMapper) sortedLocked(mbox *mailstore.Mailbox) ([]*mailstore.Message, error) {
	msgs, ok := m.b.state.messages[mbox.ID]
	if !ok {
		return nil, errors.ErrMailboxNotFound
	}
	out := make([]*mailstore.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b *mailstore.Message) int {
		return cmp.Compare(a.UID, b.UID)
	})
	return out, nil
}

// collect returns the UIDs of the messages of mbox accepted by keep.
func (m *messageMapper) collect(mbox *mailstore.Mailbox, keep func(*mailstore.Message) bool) ([]imap.UID, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	msgs, err := m.sortedLocked(mbox)
	if err != nil {
		return nil, err
	}
	var uids []imap.UID
	for _, msg := range msgs {
		if keep(msg) {
			uids = append(uids, msg.UID)
		}
	}
	return uids, nil
}

func (m *messageMapper) FindInMailbox(_ context.Context, mbox *mailstore.Mailbox, r mailstore.MessageRange) ([]*mailstore.Message, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	msgs, err := m.sortedLocked(mbox)
	if err != nil {
		return nil, err
	}
	var out []*mailstore.Message
	for _, msg := range msgs {
		if r.Contains(msg.UID) {
			out = append(out, msg.Copy())
		}
	}
	return out, nil
}

func (m *messageMapper) FindMarkedForDeletionInMailbox(_ context.Context, mbox *mailstore.Mailbox, r mailstore.MessageRange) ([]imap.UID, error) {
	return m.collect(mbox, func(msg *mailstore.Message) bool {
		return r.Contains(msg.UID) && msg.Flags.Has(imap.FlagDeleted)
	})
}

func (m *messageMapper) FindRecentMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) ([]imap.UID, error) {
	return m.collect(mbox, func(msg *mailstore.Message) bool {
		return msg.Flags.Has(mailstore.FlagRecent)
	})
}

func (m *messageMapper) FindUnseenMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) ([]imap.UID, error) {
	return m.collect(mbox, func(msg *mailstore.Message) bool {
		return !msg.Flags.Has(imap.FlagSeen)
	})
}

func (m *messageMapper) CountMessagesInMailbox(_ context.Context, mbox *mailstore.Mailbox) (int, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	msgs, ok := m.b.state.messages[mbox.ID]
	if !ok {
		return 0, errors.ErrMailboxNotFound
	}
	return len(msgs), nil
}

func (m *messageMapper) CountUnseenMessagesInMailbox(ctx context.Context, mbox *mailstore.Mailbox) (int, error) {
	uids, err := m.FindUnseenMessagesInMailbox(ctx, mbox)
	return len(uids), err
}

func (m *messageMapper) SearchMailbox(_ context.Context, mbox *mailstore.Mailbox, query *mailstore.SearchQuery) ([]imap.UID, error) {
	m.b.mu.RLock()
	msgs, err := m.sortedLocked(mbox)
	m.b.mu.RUnlock()
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

func (m *messageMapper) Save(_ context.Context, mbox *mailstore.Mailbox, msg *mailstore.Message) error {
	m.b.mu.RLock()
	_, exists := m.b.state.messages[mbox.ID][msg.UID]
	m.b.mu.RUnlock()

	stored := msg.Copy()
	stored.MailboxID = mbox.ID
	if !exists {
		// Callers may pass staged content that is removed after Save.
		content, err := readContent(msg)
		if err != nil {
			return err
		}
		stored.Content = content
	}

	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	msgs, ok := m.b.state.messages[mbox.ID]
	if !ok {
		return errors.ErrMailboxNotFound
	}
	if cur, ok := msgs[msg.UID]; ok {
		updated := cur.Copy()
		updated.Flags = msg.Flags
		msgs[msg.UID] = updated
		return nil
	}
	msgs[msg.UID] = stored
	if rec := m.b.state.mailboxes[mbox.ID]; rec != nil && rec.LastUID < msg.UID {
		rec.LastUID = msg.UID
	}
	return nil
}

func readContent(msg *mailstore.Message) (mailstore.BytesContent, error) {
	rc, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Storage("read", "", err)
	}
	return mailstore.BytesContent(data), nil
}

func (m *messageMapper) Delete(_ context.Context, mbox *mailstore.Mailbox, uid imap.UID) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	msgs, ok := m.b.state.messages[mbox.ID]
	if !ok {
		return errors.ErrMailboxNotFound
	}
	if _, ok := msgs[uid]; !ok {
		return errors.ErrMessageNotFound
	}
	delete(msgs, uid)
	return nil
}
