package uid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to every counter key.
const DefaultRedisPrefix = "mailstore:uid:"

// RedisProvider keeps per-mailbox counters in Redis. A counter is seeded
// from the backing store with SETNX the first time this process touches
// it, then advanced with INCR, so every process sharing the Redis server
// draws from the same sequence.
type RedisProvider struct {
	client redis.Cmdable
	store  Store
	prefix string
	logger *slog.Logger

	seeded sync.Map // key -> struct{}
}

// NewRedis returns a provider that stores counters through client.
func NewRedis(client redis.Cmdable, store Store, prefix string, logger *slog.Logger) *RedisProvider {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisProvider{client: client, store: store, prefix: prefix, logger: logger}
}

func (p *RedisProvider) key(mbox *mailstore.Mailbox) string {
	return p.prefix + mbox.ID + ":" + strconv.FormatUint(uint64(mbox.UIDValidity), 10)
}

func (p *RedisProvider) seed(ctx context.Context, key string, mbox *mailstore.Mailbox) error {
	if _, ok := p.seeded.Load(key); ok {
		return nil
	}
	last, err := p.store.LastUID(ctx, mbox)
	if err != nil {
		return err
	}
	set, err := p.client.SetNX(ctx, key, uint64(last), 0).Result()
	if err != nil {
		return fmt.Errorf("seed uid counter %s: %w", key, err)
	}
	if set {
		p.logger.Debug("seeded redis uid counter",
			slog.String("key", key),
			slog.Uint64("last_uid", uint64(last)))
	}
	p.seeded.Store(key, struct{}{})
	return nil
}

func (p *RedisProvider) NextUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	key := p.key(mbox)
	if err := p.seed(ctx, key, mbox); err != nil {
		return 0, err
	}
	n, err := p.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr uid counter %s: %w", key, err)
	}
	return imap.UID(n), nil
}

func (p *RedisProvider) LastUID(ctx context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	key := p.key(mbox)
	n, err := p.client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return p.store.LastUID(ctx, mbox)
	}
	if err != nil {
		return 0, fmt.Errorf("get uid counter %s: %w", key, err)
	}
	return imap.UID(n), nil
}

// Invalidate deletes the counter of mbox at its current UID validity.
func (p *RedisProvider) Invalidate(mbox *mailstore.Mailbox) {
	key := p.key(mbox)
	p.seeded.Delete(key)
	if err := p.client.Del(context.Background(), key).Err(); err != nil {
		p.logger.Warn("failed to delete redis uid counter",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

var (
	_ mailstore.UidProvider = (*RedisProvider)(nil)
	_ Invalidator           = (*RedisProvider)(nil)
)
