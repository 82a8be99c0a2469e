package manager

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivererAppendsToInbox(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *MailboxManager) {
		ctx := context.Background()
		d := NewDeliverer(m)

		envelope := mailstore.Envelope{
			From:       "sender@example.com",
			Recipients: []string{"bob@example.com", "carol+lists@example.com"},
		}
		require.NoError(t, d.Deliver(ctx, envelope, strings.NewReader(message("welcome"))))
		require.NoError(t, d.Deliver(ctx, envelope, strings.NewReader(message("again"))))

		for _, user := range []string{"bob@example.com", "carol@example.com"} {
			session := m.CreateSession(user)
			mm, err := m.GetMailbox(ctx, session, mailstore.InboxPath(user))
			require.NoError(t, err, user)
			md, err := mm.MetaData(ctx, session, false, mailstore.FetchCount)
			require.NoError(t, err)
			assert.Equal(t, 2, md.MessageCount, user)
			assert.Equal(t, []imap.UID{1, 2}, md.Recent, user)
		}
	})
}

func TestDelivererNoRecipients(t *testing.T) {
	m := New(backends[0].open(t))
	err := NewDeliverer(m).Deliver(context.Background(), mailstore.Envelope{}, strings.NewReader(message("x")))
	assert.ErrorIs(t, err, errors.ErrNoRecipients)
}

func TestSelectedMailboxSeesOtherSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *MailboxManager) {
		ctx := context.Background()
		reader := m.CreateSession("alice")
		writer := m.CreateSession("alice")
		path := reader.Path("INBOX")
		mm := mailbox(t, m, writer, "INBOX")
		appendN(t, mm, writer, 1, false)

		md, err := mm.MetaData(ctx, reader, true, mailstore.FetchNoCount)
		require.NoError(t, err)
		selected := event.NewSelectedMailbox(reader, path, md.Recent)
		m.AddListener(path, selected)

		u := appendN(t, mm, writer, 1, true)[0]
		_, err = mm.SetFlags(ctx, writer, mailstore.NewFlags(imap.FlagSeen), imap.StoreFlagsAdd, mailstore.One(1))
		require.NoError(t, err)

		assert.True(t, selected.SizeChanged())
		assert.True(t, selected.IsRecent(u))
		updates := selected.FlagUpdates()
		require.Len(t, updates, 1)
		assert.Equal(t, imap.UID(1), updates[0].UID)

		_, err = mm.SetFlags(ctx, writer, mailstore.NewFlags(imap.FlagDeleted), imap.StoreFlagsAdd, mailstore.One(u))
		require.NoError(t, err)
		_, err = mm.Expunge(ctx, writer, mailstore.All())
		require.NoError(t, err)
		assert.Equal(t, []imap.UID{u}, selected.Expunged())
		assert.False(t, selected.IsRecent(u))
	})
}
