package event

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectedMailboxTracksOtherSessions(t *testing.T) {
	mine := mailstore.NewSession("alice", nil)
	other := mailstore.NewSession("alice", nil)
	inbox := mailstore.InboxPath("alice")

	sel := NewSelectedMailbox(mine, inbox, []imap.UID{1})
	d := NewDispatcher(nil)
	d.AddListener(inbox, sel)

	require.NoError(t, d.Dispatch(mailstore.Added{
		EventMeta: mailstore.EventMeta{Session: other.ID, Path: inbox},
		Messages: []mailstore.MessageMetaData{
			{UID: 2, Flags: mailstore.NewFlags(mailstore.FlagRecent)},
			{UID: 3},
		},
	}))
	assert.True(t, sel.SizeChanged())
	assert.Equal(t, []imap.UID{1, 2}, sel.Recent())

	require.NoError(t, d.Dispatch(mailstore.FlagsUpdated{
		EventMeta: mailstore.EventMeta{Session: other.ID, Path: inbox},
		Updates: []mailstore.FlagsUpdate{{
			UID: 3,
			Old: mailstore.NewFlags(),
			New: mailstore.NewFlags(imap.FlagSeen),
		}},
	}))
	updates := sel.FlagUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, imap.UID(3), updates[0].UID)
	assert.True(t, updates[0].New.Has(imap.FlagSeen))

	require.NoError(t, d.Dispatch(mailstore.Expunged{
		EventMeta: mailstore.EventMeta{Session: other.ID, Path: inbox},
		UIDs:      []imap.UID{2, 3},
	}))
	assert.Equal(t, []imap.UID{2, 3}, sel.Expunged())
	assert.Equal(t, []imap.UID{1}, sel.Recent())
	assert.Empty(t, sel.FlagUpdates())

	sel.ResetEvents()
	assert.Empty(t, sel.Expunged())
	assert.False(t, sel.SizeChanged())
}

func TestSelectedMailboxIgnoresOwnFlagUpdates(t *testing.T) {
	mine := mailstore.NewSession("alice", nil)
	inbox := mailstore.InboxPath("alice")
	sel := NewSelectedMailbox(mine, inbox, []imap.UID{4})

	require.NoError(t, sel.Event(mailstore.FlagsUpdated{
		EventMeta: mailstore.EventMeta{Session: mine.ID, Path: inbox},
		Updates: []mailstore.FlagsUpdate{{
			UID: 4,
			Old: mailstore.NewFlags(mailstore.FlagRecent),
			New: mailstore.NewFlags(imap.FlagSeen),
		}},
	}))
	assert.Empty(t, sel.FlagUpdates())
	assert.False(t, sel.IsRecent(4))
}

func TestSelectedMailboxFollowsRename(t *testing.T) {
	mine := mailstore.NewSession("alice", nil)
	p := mailstore.NewMailboxPath("alice", "Old")
	q := mailstore.NewMailboxPath("alice", "New")

	sel := NewSelectedMailbox(mine, p, nil)
	d := NewDispatcher(nil)
	d.AddListener(p, sel)

	require.NoError(t, d.Dispatch(mailstore.MailboxRenamed{
		EventMeta: mailstore.EventMeta{Session: 99, Path: p},
		NewPath:   q,
	}))
	assert.Equal(t, q, sel.Path())

	require.NoError(t, d.Dispatch(mailstore.Added{
		EventMeta: mailstore.EventMeta{Session: 99, Path: q},
		Messages:  []mailstore.MessageMetaData{{UID: 1, Flags: mailstore.NewFlags(mailstore.FlagRecent)}},
	}))
	assert.Equal(t, []imap.UID{1}, sel.Recent())
}

func TestSelectedMailboxClosesOnDelete(t *testing.T) {
	mine := mailstore.NewSession("alice", nil)
	p := mailstore.NewMailboxPath("alice", "Gone")

	sel := NewSelectedMailbox(mine, p, nil)
	require.NoError(t, sel.Event(mailstore.MailboxDeleted{
		EventMeta: mailstore.EventMeta{Session: mine.ID + 1000, Path: p},
	}))
	assert.True(t, sel.IsClosed())
	assert.True(t, sel.IsDeletedByOtherSession())
}

func TestSelectedMailboxRemoveRecent(t *testing.T) {
	sel := NewSelectedMailbox(mailstore.NewSession("bob", nil), mailstore.InboxPath("bob"), []imap.UID{7, 3})
	assert.Equal(t, []imap.UID{3, 7}, sel.Recent())
	assert.True(t, sel.RemoveRecent(3))
	assert.False(t, sel.RemoveRecent(3))
	assert.Equal(t, []imap.UID{7}, sel.Recent())

	sel.Close()
	assert.True(t, sel.IsClosed())
}
