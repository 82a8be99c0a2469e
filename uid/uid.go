// Package uid implements mailstore.UidProvider strategies.
//
// DirectProvider round-trips to the persisted mailbox record on every call.
// CachingProvider seeds an in-memory counter from the record once per
// mailbox and increments it in memory afterwards. RedisProvider keeps the
// counter in Redis so several processes can share it.
package uid

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
)

// Store reads and advances the persisted last UID of a mailbox.
type Store interface {
	// LastUID returns the highest UID assigned so far.
	LastUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error)

	// IncrementLastUID atomically advances the last UID by one and returns
	// the new value.
	IncrementLastUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error)
}

// Invalidator is implemented by providers that hold per-mailbox state
// which must be dropped when a mailbox is deleted or its UID validity
// changes.
type Invalidator interface {
	Invalidate(mbox *mailstore.Mailbox)
}

// DirectProvider delegates every call to the backing store. Its
// correctness relies on the store serializing IncrementLastUID.
type DirectProvider struct {
	store Store
}

// NewDirect returns a provider that reads and increments the store directly.
func NewDirect(store Store) *DirectProvider {
	return &DirectProvider{store: store}
}

func (p *DirectProvider) NextUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	return p.store.IncrementLastUID(ctx, mbox)
}

func (p *DirectProvider) LastUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	return p.store.LastUID(ctx, mbox)
}

var _ mailstore.UidProvider = (*DirectProvider)(nil)
