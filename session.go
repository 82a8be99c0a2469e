package mailstore

import (
	"log/slog"
	"sync/atomic"
)

var sessionCounter atomic.Uint64

// MailboxSession identifies one client session to the managers. Events
// carry the ID of the session that caused them.
type MailboxSession struct {
	ID        uint64
	User      string
	Namespace string
	Delimiter rune
	Logger    *slog.Logger

	closed atomic.Bool
}

// NewSession creates a session for user with a process-unique ID.
func NewSession(user string, logger *slog.Logger) *MailboxSession {
	if logger == nil {
		logger = slog.Default()
	}
	id := sessionCounter.Add(1)
	return &MailboxSession{
		ID:        id,
		User:      user,
		Namespace: DefaultNamespace,
		Delimiter: DefaultDelimiter,
		Logger:    logger.With(slog.Uint64("session", id), slog.String("user", user)),
	}
}

// Close ends the session.
func (s *MailboxSession) Close() {
	s.closed.Store(true)
}

// IsOpen reports whether Close has not been called.
func (s *MailboxSession) IsOpen() bool {
	return !s.closed.Load()
}

// Path returns the path of name in the session's personal namespace.
func (s *MailboxSession) Path(name string) MailboxPath {
	return MailboxPath{
		Namespace: s.Namespace,
		User:      s.User,
		Name:      NormalizeName(name, s.Delimiter),
	}
}
