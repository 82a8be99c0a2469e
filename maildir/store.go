package maildir

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/pathlock"
	"github.com/infodancer/mailstore/uid"
)

// DefaultCacheSize is the number of parsed uid-lists kept in memory.
const DefaultCacheSize = 256

// Store implements mailstore.Backend using the Maildir format.
// It uses emersion/go-maildir for low-level maildir operations.
type Store struct {
	basePath      string
	maildirSubdir string // optional subdirectory under each user (e.g., "Maildir")
	pathTemplate  string // optional path template for domain-aware storage

	locker *pathlock.FileLocker
	cache  *lru.Cache[string, cachedList]
	logger *slog.Logger

	mailboxes *mailboxMapper
	messages  *messageMapper
	provider  *uid.DirectProvider
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger       *slog.Logger
	crossProcess bool
	cacheSize    int
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) { o.logger = logger }
}

// WithCrossProcessLock also locks uid-lists with an advisory file lock, for
// deployments where several processes share the maildirs.
func WithCrossProcessLock(enabled bool) Option {
	return func(o *storeOptions) { o.crossProcess = enabled }
}

// WithCacheSize sets how many parsed uid-lists are cached. Zero disables
// the cache.
func WithCacheSize(n int) Option {
	return func(o *storeOptions) { o.cacheSize = n }
}

// NewStore creates a new Store with the given base path.
// The optional maildirSubdir specifies a subdirectory under each user
// (e.g., "Maildir" for paths like users/testuser/Maildir/).
// The optional pathTemplate transforms user names using variables:
// {domain}, {localpart}, {email} (e.g., "{domain}/users/{localpart}").
func NewStore(basePath string, maildirSubdir string, pathTemplate string, opts ...Option) *Store {
	o := storeOptions{logger: slog.Default(), cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		basePath:      basePath,
		maildirSubdir: maildirSubdir,
		pathTemplate:  pathTemplate,
		locker:        pathlock.NewFileLocker(o.crossProcess),
		logger:        o.logger,
	}
	if o.cacheSize > 0 {
		// lru.New only fails for a non-positive size.
		s.cache, _ = lru.New[string, cachedList](o.cacheSize)
	}
	s.mailboxes = &mailboxMapper{s}
	s.messages = &messageMapper{s}
	s.provider = uid.NewDirect(folderUIDs{s})
	return s
}

func (s *Store) Mailboxes() mailstore.MailboxMapper { return s.mailboxes }

func (s *Store) Messages() mailstore.MessageMapper { return s.messages }

func (s *Store) UIDProvider() mailstore.UidProvider { return s.provider }

func (s *Store) Close() error { return nil }

// splitEmail splits an email address into localpart and domain.
// If the email doesn't contain @, localpart is the entire input and domain is empty.
func splitEmail(email string) (localpart, domain string) {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[:idx], email[idx+1:]
	}
	return email, ""
}

// expandUser applies the path template to transform a user name.
// If no template is set, the user is returned unchanged.
// Template variables: {domain}, {localpart}, {email}
func (s *Store) expandUser(user string) string {
	if s.pathTemplate == "" {
		return user
	}
	localpart, domain := splitEmail(user)
	result := s.pathTemplate
	result = strings.ReplaceAll(result, "{domain}", domain)
	result = strings.ReplaceAll(result, "{localpart}", localpart)
	result = strings.ReplaceAll(result, "{email}", user)
	return result
}

// within reports whether candidate is base or below it.
func within(base, candidate string) bool {
	// Add separator to prevent prefix matching (e.g., /base-other matching /base)
	return strings.HasPrefix(filepath.Clean(candidate)+string(filepath.Separator), filepath.Clean(base)+string(filepath.Separator))
}

// userRoot returns the maildir holding user's INBOX.
// Returns an error if the resulting path would escape the base directory.
func (s *Store) userRoot(user string) (string, error) {
	if user == "" {
		return "", errors.ErrInvalidMailboxName
	}
	var candidate string
	if s.maildirSubdir != "" {
		candidate = filepath.Join(s.basePath, s.expandUser(user), s.maildirSubdir)
	} else {
		candidate = filepath.Join(s.basePath, s.expandUser(user))
	}
	if !within(s.basePath, candidate) || filepath.Clean(candidate) == filepath.Clean(s.basePath) {
		return "", errors.ErrPathTraversal
	}
	return filepath.Clean(candidate), nil
}

// folderName returns the on-disk name of a non-INBOX mailbox. Names below
// INBOX share the namespace of top-level names.
func folderName(name string) string {
	if len(name) > len(mailstore.Inbox)+1 && strings.EqualFold(name[:len(mailstore.Inbox)+1], mailstore.Inbox+".") {
		return name[len(mailstore.Inbox)+1:]
	}
	return name
}

// folderPath returns the directory of the mailbox at path: the user root
// for INBOX, root/.<name> otherwise.
func (s *Store) folderPath(path mailstore.MailboxPath) (string, error) {
	root, err := s.userRoot(path.User)
	if err != nil {
		return "", err
	}
	if path.IsInbox() {
		return root, nil
	}
	name := folderName(path.Name)
	if !mailstore.ValidName(name, mailstore.DefaultDelimiter) {
		return "", errors.ErrInvalidMailboxName
	}
	candidate := filepath.Join(root, "."+name)
	if !within(root, candidate) {
		return "", errors.ErrPathTraversal
	}
	return candidate, nil
}

// Folder returns the maildir folder of the mailbox at path.
func (s *Store) Folder(path mailstore.MailboxPath) (*Folder, error) {
	dir, err := s.folderPath(path)
	if err != nil {
		return nil, err
	}
	return NewFolder(dir, s.locker, s.cache, s.logger.With(slog.String("mailbox", path.String()))), nil
}

// existingFolder returns the folder of path, or ErrMailboxNotFound.
func (s *Store) existingFolder(path mailstore.MailboxPath) (*Folder, error) {
	f, err := s.Folder(path)
	if err != nil {
		return nil, err
	}
	if !f.Exists() {
		return nil, errors.ErrMailboxNotFound
	}
	return f, nil
}

// PermanentFlags implements mailstore.PermanentFlagsProvider: the system
// flags, the keywords the folder has letters for, and imap.FlagWildcard
// while letters are left.
func (s *Store) PermanentFlags(_ context.Context, mbox *mailstore.Mailbox) (mailstore.Flags, error) {
	f, err := s.existingFolder(mbox.Path)
	if err != nil {
		return mailstore.Flags{}, err
	}
	kw, err := f.Keywords()
	if err != nil {
		return mailstore.Flags{}, err
	}
	flags := mailstore.NewFlags(
		imap.FlagAnswered,
		imap.FlagDeleted,
		imap.FlagDraft,
		imap.FlagFlagged,
		imap.FlagSeen,
	).With(kw.Defined()...)
	if !kw.Full() {
		flags = flags.With(imap.FlagWildcard)
	}
	return flags, nil
}

// Rebuild forces a uid-list rebuild of the mailbox at path.
func (s *Store) Rebuild(_ context.Context, path mailstore.MailboxPath) (*UidList, error) {
	f, err := s.existingFolder(path)
	if err != nil {
		return nil, err
	}
	return f.Rebuild()
}

// Deliver implements mailstore.DeliveryAgent. Messages are dropped into
// the recipient's INBOX new/ directory the way an external MDA would; they
// get a UID when the uid-list is next synchronized.
func (s *Store) Deliver(ctx context.Context, envelope mailstore.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	// Read message into memory for multi-recipient delivery
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	var lastErr error
	delivered := 0

	for _, recipient := range envelope.Recipients {
		// Strip subaddress extension so user+folder@example.com
		// delivers to the user@example.com mailbox.
		parsed := mailstore.ParseRecipient(recipient)
		f, err := s.Folder(mailstore.InboxPath(parsed.Address))
		if err != nil {
			lastErr = err
			continue
		}
		if err := f.Create(); err != nil {
			lastErr = err
			continue
		}

		// NewDelivery takes the directory path as a string
		delivery, err := maildir.NewDelivery(f.Path())
		if err != nil {
			lastErr = err
			continue
		}

		if _, err := io.Copy(delivery, bytes.NewReader(data)); err != nil {
			_ = delivery.Abort()
			lastErr = err
			continue
		}

		if err := delivery.Close(); err != nil {
			lastErr = err
			continue
		}

		s.logger.Debug("delivered message",
			slog.String("recipient", parsed.Address),
			slog.Int("size", len(data)))
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// folderUIDs exposes uid-list headers as the persisted last-UID store.
type folderUIDs struct {
	s *Store
}

func (u folderUIDs) LastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	f, err := u.s.existingFolder(mbox.Path)
	if err != nil {
		return 0, err
	}
	return f.LastUID()
}

func (u folderUIDs) IncrementLastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	f, err := u.s.existingFolder(mbox.Path)
	if err != nil {
		return 0, err
	}
	return f.IncrementLastUID()
}

// removeAll deletes a folder directory.
func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Storage("remove", dir, err)
	}
	return nil
}

// Compile-time interface verification.
var (
	_ mailstore.Backend       = (*Store)(nil)
	_ mailstore.DeliveryAgent = (*Store)(nil)

	_ mailstore.PermanentFlagsProvider = (*Store)(nil)
)
