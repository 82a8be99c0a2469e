package memory

import (
	"log/slog"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/uid"
	"github.com/redis/go-redis/v9"
)

func init() {
	mailstore.Register("memory", func(config mailstore.StoreConfig) (mailstore.Backend, error) {
		logger := config.Log()
		opts := []Option{WithLogger(logger)}

		// uid_provider selects how UIDs are minted: "direct" (default)
		// increments the mailbox record, "caching" keeps an in-memory
		// counter, "redis" shares a counter through redis_addr.
		switch config.Option("uid_provider", "direct") {
		case "direct":
		case "caching":
			opts = append(opts, WithUIDProvider(func(store uid.Store) mailstore.UidProvider {
				return uid.NewCaching(store, logger)
			}))
		case "redis":
			addr := config.Option("redis_addr", "")
			if addr == "" {
				return nil, errors.ErrStoreConfigInvalid
			}
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := config.Option("redis_prefix", uid.DefaultRedisPrefix)
			opts = append(opts,
				WithCloser(client),
				WithUIDProvider(func(store uid.Store) mailstore.UidProvider {
					return uid.NewRedis(client, store, prefix, logger)
				}))
			logger.Debug("using redis uid provider", slog.String("addr", addr))
		default:
			return nil, errors.ErrStoreConfigInvalid
		}

		return New(opts...), nil
	})
}
