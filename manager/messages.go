package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// defaultPermanentFlags are reported for backends that store every flag.
var defaultPermanentFlags = mailstore.NewFlags(
	imap.FlagAnswered,
	imap.FlagDeleted,
	imap.FlagDraft,
	imap.FlagFlagged,
	imap.FlagSeen,
	imap.FlagWildcard,
)

// maxResolveAttempts bounds how often a locked operation chases a mailbox
// that keeps moving.
const maxResolveAttempts = 5

// MessageManager implements mailstore.MessageManager for one mailbox. The
// mailbox is tracked by ID, so renames made through any session are
// followed.
type MessageManager struct {
	m        *MailboxManager
	readOnly bool

	mu   sync.Mutex
	mbox *mailstore.Mailbox
}

func (mm *MessageManager) Mailbox() *mailstore.Mailbox {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mbox.Clone()
}

func (mm *MessageManager) remember(mbox *mailstore.Mailbox) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.mbox = mbox.Clone()
}

// resolve returns the current record of the mailbox. It is looked up by
// its last known path and, if that path is gone or holds another mailbox,
// by ID.
func (mm *MessageManager) resolve(ctx context.Context) (*mailstore.Mailbox, error) {
	known := mm.Mailbox()
	mailboxes := mm.m.backend.Mailboxes()

	mbox, err := mailboxes.FindByPath(ctx, known.Path)
	if err == nil && mbox.ID == known.ID {
		mm.remember(mbox)
		return mbox, nil
	}
	if err != nil && !stderrors.Is(err, errors.ErrMailboxNotFound) {
		return nil, err
	}

	mbox, err = mailboxes.FindByID(ctx, known.Path.User, known.ID)
	if err != nil {
		return nil, err
	}
	mm.m.logger.Debug("following moved mailbox",
		slog.String("from", known.Path.String()),
		slog.String("to", mbox.Path.String()),
		slog.String("id", mbox.ID))
	mm.remember(mbox)
	return mbox, nil
}

// withMailbox runs fn holding the lock of the mailbox's current path. A
// rename that lands between resolving the path and taking the lock sends
// it back to resolve again.
func (mm *MessageManager) withMailbox(ctx context.Context, fn func(mbox *mailstore.Mailbox) error) error {
	for attempt := 1; ; attempt++ {
		mbox, err := mm.resolve(ctx)
		if err != nil {
			return err
		}
		moved := false
		err = mm.m.locks.WithLock(mbox.Path, func() error {
			cur, err := mm.m.backend.Mailboxes().FindByPath(ctx, mbox.Path)
			if stderrors.Is(err, errors.ErrMailboxNotFound) || (err == nil && cur.ID != mbox.ID) {
				moved = true
				return nil
			}
			if err != nil {
				return err
			}
			mm.remember(cur)
			return fn(cur)
		})
		if !moved {
			return err
		}
		if attempt == maxResolveAttempts {
			return errors.ErrMailboxNotFound
		}
	}
}

// writable checks the session and that the mailbox accepts changes.
func (mm *MessageManager) writable(session *mailstore.MailboxSession) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if mm.readOnly {
		return errors.ErrReadOnly
	}
	return nil
}

func meta(session *mailstore.MailboxSession, mbox *mailstore.Mailbox) mailstore.EventMeta {
	return mailstore.EventMeta{Session: session.ID, Path: mbox.Path}
}

// stage copies r into a temporary file. The caller removes it.
func stage(r io.Reader) (*os.File, error) {
	f, err := os.CreateTemp("", "mailstore-append-*")
	if err != nil {
		return nil, errors.Storage("create", os.TempDir(), err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, errors.Storage("write", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, errors.Storage("seek", f.Name(), err)
	}
	return f, nil
}

// AppendMessage stages r, parses it, reserves a UID and stores the message
// under the mailbox lock. A UID reserved by a failed append is not reused.
func (mm *MessageManager) AppendMessage(ctx context.Context, session *mailstore.MailboxSession, r io.Reader, internalDate time.Time, recent bool, flags mailstore.Flags) (u imap.UID, err error) {
	start := time.Now()
	defer func() { mm.m.metrics.appended(start, err) }()

	if err := mm.writable(session); err != nil {
		return 0, err
	}

	staged, err := stage(r)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = staged.Close()
		_ = os.Remove(staged.Name())
	}()

	parsed, err := mailstore.ParseMessage(staged)
	if err != nil {
		return 0, fmt.Errorf("parse message: %w", err)
	}

	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	flags = flags.Without(mailstore.FlagRecent)
	if recent {
		flags = flags.With(mailstore.FlagRecent)
	}
	msg := &mailstore.Message{
		InternalDate:     internalDate,
		Size:             parsed.Size,
		BodyOffset:       parsed.BodyOffset,
		Flags:            flags,
		Headers:          parsed.Headers,
		MediaType:        parsed.MediaType,
		SubType:          parsed.SubType,
		MediaParams:      parsed.MediaParams,
		TextualLineCount: parsed.TextualLineCount,
		Content:          mailstore.FileContent(staged.Name()),
	}

	backend := mm.m.backend
	err = mm.withMailbox(ctx, func(mbox *mailstore.Mailbox) error {
		uid, err := backend.UIDProvider().NextUID(ctx, mbox)
		if err != nil {
			return err
		}
		msg.UID = uid
		msg.MailboxID = mbox.ID
		if err := backend.Messages().Execute(ctx, func(ctx context.Context) error {
			return backend.Messages().Save(ctx, mbox, msg)
		}); err != nil {
			return err
		}
		if msg.UID > mbox.LastUID {
			mbox.LastUID = msg.UID
			mm.remember(mbox)
		}

		session.Logger.Debug("appended message",
			slog.String("mailbox", mbox.Path.String()),
			slog.Uint64("uid", uint64(msg.UID)),
			slog.Int64("size", msg.Size))
		mm.m.dispatch(mailstore.Added{
			EventMeta: meta(session, mbox),
			MailboxID: mbox.ID,
			Messages:  []mailstore.MessageMetaData{msg.MetaData()},
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msg.UID, nil
}

// Expunge removes the messages in r that carry DELETED. A message that is
// already gone counts as removed; any other failure stops the expunge and
// is returned together with the UIDs removed so far.
func (mm *MessageManager) Expunge(ctx context.Context, session *mailstore.MailboxSession, r mailstore.MessageRange) ([]imap.UID, error) {
	if err := mm.writable(session); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	backend := mm.m.backend
	var removed []imap.UID
	err := mm.withMailbox(ctx, func(mbox *mailstore.Mailbox) error {
		uids, err := backend.Messages().FindMarkedForDeletionInMailbox(ctx, mbox, r)
		if err != nil {
			return err
		}
		var failure error
		for _, uid := range uids {
			err := backend.Messages().Execute(ctx, func(ctx context.Context) error {
				return backend.Messages().Delete(ctx, mbox, uid)
			})
			if err != nil && !stderrors.Is(err, errors.ErrMessageNotFound) {
				failure = fmt.Errorf("expunge uid %d: %w", uid, err)
				break
			}
			removed = append(removed, uid)
		}

		for _, uid := range removed {
			mm.m.dispatch(mailstore.Expunged{
				EventMeta: meta(session, mbox),
				MailboxID: mbox.ID,
				UIDs:      []imap.UID{uid},
			})
		}
		if len(removed) > 0 {
			session.Logger.Debug("expunged messages",
				slog.String("mailbox", mbox.Path.String()),
				slog.Int("count", len(removed)))
		}
		return failure
	})
	mm.m.metrics.expungedMessages(len(removed))
	return removed, err
}

// SetFlags applies flags with STORE semantics to the messages in r. Every
// message gets an update in the result; only changed messages are
// persisted and announced. New holds the flags the backend stored, which
// leaves out keywords it cannot keep.
func (mm *MessageManager) SetFlags(ctx context.Context, session *mailstore.MailboxSession, flags mailstore.Flags, op imap.StoreFlagsOp, r mailstore.MessageRange) ([]mailstore.FlagsUpdate, error) {
	if err := mm.writable(session); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var updates []mailstore.FlagsUpdate
	err := mm.withMailbox(ctx, func(mbox *mailstore.Mailbox) error {
		var err error
		updates, err = mm.storeFlagsLocked(ctx, mbox, r, func(old mailstore.Flags) mailstore.Flags {
			return old.Apply(op, flags)
		})
		if err != nil {
			return err
		}
		mm.announce(session, mbox, updates)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// storeFlagsLocked replaces the flags of the messages in r with
// compute(old). The caller holds the mailbox lock.
func (mm *MessageManager) storeFlagsLocked(ctx context.Context, mbox *mailstore.Mailbox, r mailstore.MessageRange, compute func(mailstore.Flags) mailstore.Flags) ([]mailstore.FlagsUpdate, error) {
	backend := mm.m.backend
	msgs, err := backend.Messages().FindInMailbox(ctx, mbox, r)
	if err != nil {
		return nil, err
	}

	updates := make([]mailstore.FlagsUpdate, 0, len(msgs))
	err = backend.Messages().Execute(ctx, func(ctx context.Context) error {
		for _, msg := range msgs {
			u := mailstore.FlagsUpdate{UID: msg.UID, Old: msg.Flags, New: compute(msg.Flags)}
			if u.Changed() {
				saved := &mailstore.Message{UID: msg.UID, Flags: u.New}
				if err := backend.Messages().Save(ctx, mbox, saved); err != nil {
					return err
				}
				u.New = saved.Flags
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// announce dispatches one FlagsUpdated event per changed message.
func (mm *MessageManager) announce(session *mailstore.MailboxSession, mbox *mailstore.Mailbox, updates []mailstore.FlagsUpdate) {
	changed := 0
	for _, u := range updates {
		if !u.Changed() {
			continue
		}
		changed++
		mm.m.dispatch(mailstore.FlagsUpdated{
			EventMeta: meta(session, mbox),
			MailboxID: mbox.ID,
			Updates:   []mailstore.FlagsUpdate{u},
		})
	}
	mm.m.metrics.flagsChanged(changed)
}

func (mm *MessageManager) GetMessages(ctx context.Context, session *mailstore.MailboxSession, r mailstore.MessageRange) ([]*mailstore.Message, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	mbox, err := mm.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return mm.m.backend.Messages().FindInMailbox(ctx, mbox, r)
}

func (mm *MessageManager) Search(ctx context.Context, session *mailstore.MailboxSession, query *mailstore.SearchQuery) ([]imap.UID, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	mbox, err := mm.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return mm.m.backend.Messages().SearchMailbox(ctx, mbox, query)
}

// CopyTo appends a copy of every message in r to dest. Copies get new UIDs
// in dest and carry RECENT there.
func (mm *MessageManager) CopyTo(ctx context.Context, session *mailstore.MailboxSession, r mailstore.MessageRange, dest mailstore.MessageManager) ([]mailstore.CopyResult, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	mbox, err := mm.resolve(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := mm.m.backend.Messages().FindInMailbox(ctx, mbox, r)
	if err != nil {
		return nil, err
	}

	results := make([]mailstore.CopyResult, 0, len(msgs))
	for _, msg := range msgs {
		uid, err := copyMessage(ctx, session, msg, dest)
		if err != nil {
			mm.m.metrics.copied(len(results))
			return results, fmt.Errorf("copy uid %d: %w", msg.UID, err)
		}
		results = append(results, mailstore.CopyResult{Source: msg.UID, Dest: uid})
	}
	mm.m.metrics.copied(len(results))
	return results, nil
}

func copyMessage(ctx context.Context, session *mailstore.MailboxSession, msg *mailstore.Message, dest mailstore.MessageManager) (imap.UID, error) {
	rc, err := msg.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	return dest.AppendMessage(ctx, session, rc, msg.InternalDate, true, msg.Flags)
}

// permanentFlags returns the flags mbox can store.
func (mm *MessageManager) permanentFlags(ctx context.Context, mbox *mailstore.Mailbox) (mailstore.Flags, error) {
	if p, ok := mm.m.backend.(mailstore.PermanentFlagsProvider); ok {
		return p.PermanentFlags(ctx, mbox)
	}
	return defaultPermanentFlags, nil
}

// MetaData returns a snapshot of the mailbox. With resetRecent the recent
// messages lose RECENT and a FlagsUpdated event announces it. A read-only
// view never resets RECENT.
func (mm *MessageManager) MetaData(ctx context.Context, session *mailstore.MailboxSession, resetRecent bool, group mailstore.FetchGroup) (*mailstore.MetaData, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}

	backend := mm.m.backend
	md := &mailstore.MetaData{Writable: !mm.readOnly}
	if mm.readOnly {
		resetRecent = false
	}

	err := mm.withMailbox(ctx, func(mbox *mailstore.Mailbox) error {
		var err error
		if md.PermanentFlags, err = mm.permanentFlags(ctx, mbox); err != nil {
			return err
		}
		md.Recent, err = backend.Messages().FindRecentMessagesInMailbox(ctx, mbox)
		if err != nil {
			return err
		}
		if resetRecent && len(md.Recent) > 0 {
			r := mailstore.Range(md.Recent[0], md.Recent[len(md.Recent)-1])
			updates, err := mm.storeFlagsLocked(ctx, mbox, r, func(old mailstore.Flags) mailstore.Flags {
				return old.Without(mailstore.FlagRecent)
			})
			if err != nil {
				return err
			}
			mm.announce(session, mbox, updates)
		}

		last, err := backend.UIDProvider().LastUID(ctx, mbox)
		if err != nil {
			return err
		}
		md.UIDValidity = mbox.UIDValidity
		md.UIDNext = last + 1

		if group.Has(mailstore.FetchCount) {
			if md.MessageCount, err = backend.Messages().CountMessagesInMailbox(ctx, mbox); err != nil {
				return err
			}
		}
		if group.Has(mailstore.FetchUnseenCount) || group.Has(mailstore.FetchFirstUnseen) {
			unseen, err := backend.Messages().FindUnseenMessagesInMailbox(ctx, mbox)
			if err != nil {
				return err
			}
			if group.Has(mailstore.FetchUnseenCount) {
				md.UnseenCount = len(unseen)
			}
			if group.Has(mailstore.FetchFirstUnseen) && len(unseen) > 0 {
				md.FirstUnseen = unseen[0]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// Compile-time interface verification.
var _ mailstore.MessageManager = (*MessageManager)(nil)
