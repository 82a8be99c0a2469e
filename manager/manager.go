// Package manager implements the mailbox and message managers on top of a
// mailstore.Backend.
//
// Mutations of one mailbox are serialized by a per-path lock and announced
// to listeners through an event.Dispatcher after they are persisted.
package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/event"
	"github.com/infodancer/mailstore/pathlock"
	"github.com/infodancer/mailstore/uid"
)

// MailboxManager implements mailstore.MailboxManager.
type MailboxManager struct {
	backend mailstore.Backend
	locks   *pathlock.Manager[mailstore.MailboxPath]
	events  *event.Dispatcher
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a MailboxManager.
type Option func(*MailboxManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *MailboxManager) { m.logger = logger }
}

// WithMetrics records mutations in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *MailboxManager) { m.metrics = metrics }
}

// WithDispatcher shares a dispatcher between managers.
func WithDispatcher(d *event.Dispatcher) Option {
	return func(m *MailboxManager) { m.events = d }
}

// WithLocks shares a path lock manager between managers.
func WithLocks(locks *pathlock.Manager[mailstore.MailboxPath]) Option {
	return func(m *MailboxManager) { m.locks = locks }
}

// New returns a manager over backend.
func New(backend mailstore.Backend, opts ...Option) *MailboxManager {
	m := &MailboxManager{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locks == nil {
		m.locks = pathlock.New[mailstore.MailboxPath]()
	}
	if m.events == nil {
		m.events = event.NewDispatcher(m.logger)
	}
	return m
}

// Backend returns the backend the manager operates on.
func (m *MailboxManager) Backend() mailstore.Backend {
	return m.backend
}

func (m *MailboxManager) CreateSession(user string) *mailstore.MailboxSession {
	return mailstore.NewSession(user, m.logger)
}

func checkSession(session *mailstore.MailboxSession) error {
	if session == nil || !session.IsOpen() {
		return errors.ErrSessionClosed
	}
	return nil
}

// dispatch delivers ev to listeners. Listener failures do not undo the
// mutation that caused the event, so they are only logged.
func (m *MailboxManager) dispatch(ev mailstore.Event) {
	if err := m.events.Dispatch(ev); err != nil {
		m.logger.Warn("listener failed",
			slog.String("mailbox", ev.MailboxPath().String()),
			slog.String("error", err.Error()))
	}
}

func pathLess(a, b mailstore.MailboxPath) bool {
	return a.String() < b.String()
}

func (m *MailboxManager) CreateMailbox(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if !mailstore.ValidName(path.Name, session.Delimiter) {
		return errors.ErrInvalidMailboxName
	}

	levels := path.Levels(session.Delimiter)
	return pathlock.WithLocks(m.locks, levels, pathLess, func() error {
		for _, level := range levels {
			_, err := m.backend.Mailboxes().FindByPath(ctx, level)
			if err == nil {
				if level == path {
					return errors.ErrMailboxExists
				}
				continue
			}
			if !stderrors.Is(err, errors.ErrMailboxNotFound) {
				return err
			}

			mbox := &mailstore.Mailbox{Path: level}
			if err := m.backend.Mailboxes().Execute(ctx, func(ctx context.Context) error {
				return m.backend.Mailboxes().Save(ctx, mbox)
			}); err != nil {
				return err
			}
			m.logger.Info("created mailbox",
				slog.String("mailbox", level.String()),
				slog.String("id", mbox.ID))
			m.dispatch(mailstore.MailboxAdded{
				EventMeta: mailstore.EventMeta{Session: session.ID, Path: level},
				MailboxID: mbox.ID,
			})
		}
		return nil
	})
}

func (m *MailboxManager) DeleteMailbox(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if path.IsInbox() {
		return errors.ErrInvalidMailboxName
	}

	return m.locks.WithLock(path, func() error {
		mbox, err := m.backend.Mailboxes().FindByPath(ctx, path)
		if err != nil {
			return err
		}
		if err := m.backend.Mailboxes().Execute(ctx, func(ctx context.Context) error {
			return m.backend.Mailboxes().Delete(ctx, mbox)
		}); err != nil {
			return err
		}
		if inv, ok := m.backend.UIDProvider().(uid.Invalidator); ok {
			inv.Invalidate(mbox)
		}
		m.logger.Info("deleted mailbox",
			slog.String("mailbox", path.String()),
			slog.String("id", mbox.ID))
		m.dispatch(mailstore.MailboxDeleted{
			EventMeta: mailstore.EventMeta{Session: session.ID, Path: path},
			MailboxID: mbox.ID,
		})
		return nil
	})
}

// move is one mailbox record and its destination.
type move struct {
	mbox *mailstore.Mailbox
	to   mailstore.MailboxPath
}

// RenameMailbox moves from to to. Children of from move along, except for
// INBOX, whose children stay in place. Missing parents of to are created
// and renaming INBOX leaves a new empty INBOX behind.
func (m *MailboxManager) RenameMailbox(ctx context.Context, session *mailstore.MailboxSession, from, to mailstore.MailboxPath) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if !mailstore.ValidName(to.Name, session.Delimiter) || to.IsInbox() {
		return errors.ErrInvalidMailboxName
	}
	if from == to || to.IsChildOf(from, session.Delimiter) {
		return errors.ErrInvalidMailboxName
	}

	for attempt := 1; ; attempt++ {
		children, err := m.children(ctx, from, session.Delimiter)
		if err != nil {
			return err
		}
		keys := []mailstore.MailboxPath{from, to}
		for _, child := range children {
			keys = append(keys, child.Path, child.Path.Rebase(from, to))
		}

		changed := false
		err = pathlock.WithLocks(m.locks, keys, pathLess, func() error {
			// A child created before the locks were taken is not covered
			// by them; start over with the new set.
			current, err := m.children(ctx, from, session.Delimiter)
			if err != nil {
				return err
			}
			if !sameMailboxes(children, current) {
				changed = true
				return nil
			}
			return m.renameLocked(ctx, session, from, to, children)
		})
		if err != nil {
			return err
		}
		if !changed {
			break
		}
		if attempt == maxResolveAttempts {
			return fmt.Errorf("rename %s: children keep changing", from)
		}
		m.logger.Debug("children changed during rename, retrying",
			slog.String("mailbox", from.String()))
	}

	// Parents are created outside the rename locks: WithLocks is not
	// reentrant and CreateMailbox takes its own.
	if parent, ok := to.Parent(session.Delimiter); ok {
		exists, err := m.MailboxExists(ctx, session, parent)
		if err != nil {
			return err
		}
		if !exists {
			if err := m.CreateMailbox(ctx, session, parent); err != nil && !stderrors.Is(err, errors.ErrMailboxExists) {
				return err
			}
		}
	}
	return nil
}

// children returns the mailboxes below from. INBOX children do not move
// with it, so INBOX has none here.
func (m *MailboxManager) children(ctx context.Context, from mailstore.MailboxPath, delim rune) ([]*mailstore.Mailbox, error) {
	if from.IsInbox() {
		return nil, nil
	}
	all, err := m.backend.Mailboxes().List(ctx, from.User)
	if err != nil {
		return nil, err
	}
	var out []*mailstore.Mailbox
	for _, mbox := range all {
		if mbox.Path.IsChildOf(from, delim) {
			out = append(out, mbox)
		}
	}
	return out, nil
}

func sameMailboxes(a, b []*mailstore.Mailbox) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]mailstore.MailboxPath, len(a))
	for _, mbox := range a {
		seen[mbox.ID] = mbox.Path
	}
	for _, mbox := range b {
		if path, ok := seen[mbox.ID]; !ok || path != mbox.Path {
			return false
		}
	}
	return true
}

// renameLocked moves from and children to to. The caller holds the locks
// of every source and destination path.
func (m *MailboxManager) renameLocked(ctx context.Context, session *mailstore.MailboxSession, from, to mailstore.MailboxPath, children []*mailstore.Mailbox) error {
	mbox, err := m.backend.Mailboxes().FindByPath(ctx, from)
	if err != nil {
		return err
	}
	if _, err := m.backend.Mailboxes().FindByPath(ctx, to); err == nil {
		return errors.ErrMailboxExists
	} else if !stderrors.Is(err, errors.ErrMailboxNotFound) {
		return err
	}

	renames := []move{{mbox, to}}
	for _, child := range children {
		renames = append(renames, move{child, child.Path.Rebase(from, to)})
	}

	for _, r := range renames {
		old := r.mbox.Path
		if err := m.backend.Mailboxes().Execute(ctx, func(ctx context.Context) error {
			return m.backend.Mailboxes().Rename(ctx, r.mbox, r.to)
		}); err != nil {
			return err
		}
		m.logger.Info("renamed mailbox",
			slog.String("from", old.String()),
			slog.String("to", r.to.String()),
			slog.String("id", r.mbox.ID))
		m.dispatch(mailstore.MailboxRenamed{
			EventMeta: mailstore.EventMeta{Session: session.ID, Path: old},
			MailboxID: r.mbox.ID,
			NewPath:   r.to,
		})
	}

	if from.IsInbox() {
		if _, err := m.backend.Mailboxes().FindByPath(ctx, from); stderrors.Is(err, errors.ErrMailboxNotFound) {
			inbox := &mailstore.Mailbox{Path: from}
			if err := m.backend.Mailboxes().Save(ctx, inbox); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (m *MailboxManager) GetMailbox(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) (mailstore.MessageManager, error) {
	return m.messageManager(ctx, session, path)
}

// ExamineMailbox returns a read-only view of the mailbox at path. Changes
// through it fail with ErrReadOnly and MetaData leaves RECENT in place.
func (m *MailboxManager) ExamineMailbox(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) (mailstore.MessageManager, error) {
	mm, err := m.messageManager(ctx, session, path)
	if err != nil {
		return nil, err
	}
	mm.readOnly = true
	return mm, nil
}

func (m *MailboxManager) messageManager(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) (*MessageManager, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	mbox, err := m.backend.Mailboxes().FindByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return &MessageManager{m: m, mbox: mbox}, nil
}

func (m *MailboxManager) MailboxExists(ctx context.Context, session *mailstore.MailboxSession, path mailstore.MailboxPath) (bool, error) {
	if err := checkSession(session); err != nil {
		return false, err
	}
	_, err := m.backend.Mailboxes().FindByPath(ctx, path)
	if stderrors.Is(err, errors.ErrMailboxNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Search returns the mailboxes matching query. Hierarchy levels that only
// exist as parents of other mailboxes are returned as NoSelect.
func (m *MailboxManager) Search(ctx context.Context, session *mailstore.MailboxSession, query mailstore.MailboxQuery) ([]mailstore.MailboxMetaData, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	if query.Base.User == "" {
		query.Base.User = session.User
		query.Base.Namespace = session.Namespace
	}
	if query.Delimiter == 0 {
		query.Delimiter = session.Delimiter
	}
	delim := query.Delimiter

	all, err := m.backend.Mailboxes().List(ctx, query.Base.User)
	if err != nil {
		return nil, err
	}

	exists := make(map[mailstore.MailboxPath]bool, len(all))
	for _, mbox := range all {
		exists[mbox.Path] = true
	}
	hasChildren := make(map[mailstore.MailboxPath]bool)
	for _, mbox := range all {
		for parent, ok := mbox.Path.Parent(delim); ok; parent, ok = parent.Parent(delim) {
			hasChildren[parent] = true
		}
	}

	var out []mailstore.MailboxMetaData
	for path := range union(exists, hasChildren) {
		if !query.Matches(path) {
			continue
		}
		md := mailstore.MailboxMetaData{
			Path:      path,
			Delimiter: delim,
			Children:  mailstore.HasNoChildren,
		}
		if hasChildren[path] {
			md.Children = mailstore.HasChildren
		}
		if !exists[path] {
			md.Selectability = mailstore.NoSelect
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return pathLess(out[i].Path, out[j].Path) })
	return out, nil
}

func union(a, b map[mailstore.MailboxPath]bool) map[mailstore.MailboxPath]bool {
	out := make(map[mailstore.MailboxPath]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func (m *MailboxManager) List(ctx context.Context, session *mailstore.MailboxSession) ([]mailstore.MailboxPath, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	all, err := m.backend.Mailboxes().List(ctx, session.User)
	if err != nil {
		return nil, err
	}
	paths := make([]mailstore.MailboxPath, 0, len(all))
	for _, mbox := range all {
		paths = append(paths, mbox.Path)
	}
	return paths, nil
}

func (m *MailboxManager) CopyMessages(ctx context.Context, session *mailstore.MailboxSession, r mailstore.MessageRange, from, to mailstore.MailboxPath) ([]mailstore.CopyResult, error) {
	src, err := m.messageManager(ctx, session, from)
	if err != nil {
		return nil, err
	}
	dest, err := m.messageManager(ctx, session, to)
	if err != nil {
		return nil, err
	}
	return src.CopyTo(ctx, session, r, dest)
}

func (m *MailboxManager) AddListener(path mailstore.MailboxPath, l mailstore.Listener) {
	m.events.AddListener(path, l)
}

func (m *MailboxManager) RemoveListener(path mailstore.MailboxPath, l mailstore.Listener) {
	m.events.RemoveListener(path, l)
}

// Compile-time interface verification.
var _ mailstore.MailboxManager = (*MailboxManager)(nil)
