package postgres

import (
	"context"

	"songetl/internal/storage"
)

// init registers the "postgres" backend with the storage factory.
//
//	store, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: dsn})
func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		s, err := NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
