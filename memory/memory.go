// Package memory provides an in-process mapper backend. It keeps mailbox
// records and messages in maps and is used for tests and for embedding a
// throwaway store.
//
// The package registers itself with the mailstore registry under the name
// "memory".
package memory

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/uid"
)

type state struct {
	mailboxes map[string]*mailstore.Mailbox              // by ID
	messages  map[string]map[imap.UID]*mailstore.Message // by mailbox ID
}

func (s *state) clone() *state {
	c := &state{
		mailboxes: make(map[string]*mailstore.Mailbox, len(s.mailboxes)),
		messages:  make(map[string]map[imap.UID]*mailstore.Message, len(s.messages)),
	}
	for id, mbox := range s.mailboxes {
		c.mailboxes[id] = mbox.Clone()
	}
	for id, msgs := range s.messages {
		c.messages[id] = maps.Clone(msgs)
	}
	return c
}

// Backend is an in-memory mailstore.Backend.
type Backend struct {
	// txMu serializes transactions.
	txMu sync.Mutex

	mu    sync.RWMutex
	state *state

	provider mailstore.UidProvider
	logger   *slog.Logger
	closers  []io.Closer

	mailboxes *mailboxMapper
	messages  *messageMapper
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithUIDProvider replaces the default direct UID provider. build receives
// the backend's persisted last-UID store.
func WithUIDProvider(build func(store uid.Store) mailstore.UidProvider) Option {
	return func(b *Backend) { b.provider = build(lastUIDStore{b}) }
}

// WithCloser registers a resource released by Close.
func WithCloser(c io.Closer) Option {
	return func(b *Backend) { b.closers = append(b.closers, c) }
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		state: &state{
			mailboxes: make(map[string]*mailstore.Mailbox),
			messages:  make(map[string]map[imap.UID]*mailstore.Message),
		},
		logger: slog.Default(),
	}
	b.mailboxes = &mailboxMapper{b}
	b.messages = &messageMapper{b}
	for _, opt := range opts {
		opt(b)
	}
	if b.provider == nil {
		b.provider = uid.NewDirect(lastUIDStore{b})
	}
	return b
}

func (b *Backend) Mailboxes() mailstore.MailboxMapper { return b.mailboxes }

func (b *Backend) Messages() mailstore.MessageMapper { return b.messages }

func (b *Backend) UIDProvider() mailstore.UidProvider { return b.provider }

// Close releases resources registered with WithCloser.
func (b *Backend) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// execute runs fn as a transaction. On error the state is rolled back,
// except for last UIDs: a UID handed out during a failed transaction stays
// consumed.
func (b *Backend) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	b.mu.RLock()
	snapshot := b.state.clone()
	b.mu.RUnlock()

	err := fn(ctx)
	if err == nil {
		return nil
	}

	b.mu.Lock()
	for id, mbox := range snapshot.mailboxes {
		if cur, ok := b.state.mailboxes[id]; ok && cur.LastUID > mbox.LastUID {
			mbox.LastUID = cur.LastUID
		}
	}
	b.state = snapshot
	b.mu.Unlock()
	b.logger.Debug("rolled back transaction", slog.String("error", err.Error()))
	return err
}

// lastUIDStore exposes the mailbox records' last UID to the uid providers.
type lastUIDStore struct {
	b *Backend
}

func (s lastUIDStore) LastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	cur, ok := s.b.state.mailboxes[mbox.ID]
	if !ok {
		return 0, errors.ErrMailboxNotFound
	}
	return cur.LastUID, nil
}

func (s lastUIDStore) IncrementLastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	cur, ok := s.b.state.mailboxes[mbox.ID]
	if !ok {
		return 0, errors.ErrMailboxNotFound
	}
	cur.LastUID++
	return cur.LastUID, nil
}

type mailboxMapper struct {
	b *Backend
}

func (m *mailboxMapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.b.execute(ctx, fn)
}

func (m *mailboxMapper) findLocked(path mailstore.MailboxPath) *mailstore.Mailbox {
	for _, mbox := range m.b.state.mailboxes {
		if mbox.Path == path {
			return mbox
		}
	}
	return nil
}

func (m *mailboxMapper) FindByPath(_ context.Context, path mailstore.MailboxPath) (*mailstore.Mailbox, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	if mbox := m.findLocked(path); mbox != nil {
		return mbox.Clone(), nil
	}
	return nil, errors.ErrMailboxNotFound
}

func (m *mailboxMapper) FindByID(_ context.Context, user, id string) (*mailstore.Mailbox, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	if mbox, ok := m.b.state.mailboxes[id]; ok && mbox.Path.User == user {
		return mbox.Clone(), nil
	}
	return nil, errors.ErrMailboxNotFound
}

func (m *mailboxMapper) FindWithPathLike(_ context.Context, query mailstore.MailboxQuery) ([]*mailstore.Mailbox, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	var out []*mailstore.Mailbox
	for _, mbox := range m.b.state.mailboxes {
		if query.Matches(mbox.Path) {
			out = append(out, mbox.Clone())
		}
	}
	sortMailboxes(out)
	return out, nil
}

func (m *mailboxMapper) Save(_ context.Context, mbox *mailstore.Mailbox) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if other := m.findLocked(mbox.Path); other != nil && other.ID != mbox.ID {
		return errors.ErrMailboxExists
	}
	if mbox.ID == "" {
		mbox.ID = uuid.NewString()
	}
	if mbox.UIDValidity == 0 {
		mbox.UIDValidity = mailstore.NewUIDValidity()
	}
	if cur, ok := m.b.state.mailboxes[mbox.ID]; ok && cur.LastUID > mbox.LastUID {
		mbox.LastUID = cur.LastUID
	}
	m.b.state.mailboxes[mbox.ID] = mbox.Clone()
	if m.b.state.messages[mbox.ID] == nil {
		m.b.state.messages[mbox.ID] = make(map[imap.UID]*mailstore.Message)
	}
	return nil
}

func (m *mailboxMapper) Rename(_ context.Context, mbox *mailstore.Mailbox, to mailstore.MailboxPath) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	cur, ok := m.b.state.mailboxes[mbox.ID]
	if !ok {
		return errors.ErrMailboxNotFound
	}
	if m.findLocked(to) != nil {
		return errors.ErrMailboxExists
	}
	cur.Path = to
	mbox.Path = to
	return nil
}

func (m *mailboxMapper) Delete(_ context.Context, mbox *mailstore.Mailbox) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if _, ok := m.b.state.mailboxes[mbox.ID]; !ok {
		return errors.ErrMailboxNotFound
	}
	delete(m.b.state.mailboxes, mbox.ID)
	delete(m.b.state.messages, mbox.ID)
	return nil
}

func (m *mailboxMapper) HasChildren(_ context.Context, mbox *mailstore.Mailbox, delim rune) (bool, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	for _, other := range m.b.state.mailboxes {
		if other.Path.IsChildOf(mbox.Path, delim) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mailboxMapper) List(_ context.Context, user string) ([]*mailstore.Mailbox, error) {
	m.b.mu.RLock()
	defer m.b.mu.RUnlock()
	var out []*mailstore.Mailbox
	for _, mbox := range m.b.state.mailboxes {
		if mbox.Path.User == user {
			out = append(out, mbox.Clone())
		}
	}
	sortMailboxes(out)
	return out, nil
}

func sortMailboxes(l []*mailstore.Mailbox) {
	slices.SortFunc(l, func(a, b *mailstore.Mailbox) int {
		return strings.Compare(a.Path.String(), b.Path.String())
	})
}

var _ mailstore.Backend = (*Backend)(nil)
