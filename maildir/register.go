package maildir

import (
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

func init() {
	mailstore.Register("maildir", func(config mailstore.StoreConfig) (mailstore.Backend, error) {
		if config.BasePath == "" {
			return nil, errors.ErrStoreConfigInvalid
		}
		// maildir_subdir specifies the subdirectory under each user (e.g., "Maildir")
		maildirSubdir := config.Option("maildir_subdir", "")
		// path_template transforms user names using {domain}, {localpart}, {email}
		// e.g., "{domain}/users/{localpart}" transforms user@example.com to example.com/users/user
		pathTemplate := config.Option("path_template", "")

		cacheSize, err := config.IntOption("uidlist_cache_size", DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		crossProcess, err := config.BoolOption("cross_process_lock", false)
		if err != nil {
			return nil, err
		}

		return NewStore(config.BasePath, maildirSubdir, pathTemplate,
			WithLogger(config.Log()),
			WithCacheSize(cacheSize),
			WithCrossProcessLock(crossProcess),
		), nil
	})
}
