package uid

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"golang.org/x/sync/singleflight"
)

// CachingProvider keeps one in-memory counter per mailbox and UID
// validity, seeded lazily from the backing store on first use.
//
// The counter is process-local: another process appending to the same
// mailbox through a different provider is not observed. Call Invalidate
// when the mailbox is modified behind the provider's back.
type CachingProvider struct {
	store    Store
	logger   *slog.Logger
	counters sync.Map // key -> *atomic.Uint32
	seeding  singleflight.Group
}

// NewCaching returns a caching provider over store.
func NewCaching(store Store, logger *slog.Logger) *CachingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingProvider{store: store, logger: logger}
}

func cacheKey(mbox *mailstore.Mailbox) string {
	return mbox.ID + "/" + strconv.FormatUint(uint64(mbox.UIDValidity), 10)
}

func (p *CachingProvider) counter(ctx context.Context, mbox *mailstore.Mailbox) (*atomic.Uint32, error) {
	key := cacheKey(mbox)
	if c, ok := p.counters.Load(key); ok {
		return c.(*atomic.Uint32), nil
	}

	v, err, _ := p.seeding.Do(key, func() (any, error) {
		if c, ok := p.counters.Load(key); ok {
			return c, nil
		}
		last, err := p.store.LastUID(ctx, mbox)
		if err != nil {
			return nil, err
		}
		c := new(atomic.Uint32)
		c.Store(uint32(last))
		actual, _ := p.counters.LoadOrStore(key, c)
		p.logger.Debug("seeded uid counter",
			slog.String("mailbox", mbox.Path.String()),
			slog.Uint64("last_uid", uint64(last)))
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*atomic.Uint32), nil
}

func (p *CachingProvider) NextUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	c, err := p.counter(ctx, mbox)
	if err != nil {
		return 0, err
	}
	return imap.UID(c.Add(1)), nil
}

func (p *CachingProvider) LastUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	c, err := p.counter(ctx, mbox)
	if err != nil {
		return 0, err
	}
	return imap.UID(c.Load()), nil
}

// Invalidate drops every counter of mbox, whatever its UID validity.
func (p *CachingProvider) Invalidate(mbox *mailstore.Mailbox) {
	prefix := mbox.ID + "/"
	p.counters.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			p.counters.Delete(k)
		}
		return true
	})
}

var (
	_ mailstore.UidProvider = (*CachingProvider)(nil)
	_ Invalidator           = (*CachingProvider)(nil)
)
