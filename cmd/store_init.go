package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/store"
)

// openStore opens the single authoritative store of this deployment.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns:     sc.MaxConns,
			MinConns:     sc.MinConns,
			QueryTimeout: sc.QueryTimeout(),
		})
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "myrad.db"
		}
		return store.NewSQLite(dsn, sc.QueryTimeout())
	case "file":
		return store.NewFile(sc.FileDir)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}
