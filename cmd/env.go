package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/pipeline"
	"github.com/myrad-labs/myrad/internal/query"
	"github.com/myrad-labs/myrad/internal/store"
)

// appEnv holds the store, pipeline and query facade shared by the commands.
type appEnv struct {
	Store    store.Store
	Fallback store.Store // development only, may be nil
	Pipeline *pipeline.Pipeline
	Facade   *query.Facade
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Fallback != nil {
		_ = e.Fallback.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates c, opens and migrates the configured store, and builds
// the pipeline and facade. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := pipeline.NewRegistry()
	if err != nil {
		env.Close()
		return nil, err
	}

	var opts []pipeline.Option
	if c.Env == config.EnvDevelopment && c.Store.FallbackDir != "" {
		fb, err := store.NewFile(c.Store.FallbackDir)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open fallback store")
		}
		env.Fallback = fb
		opts = append(opts, pipeline.WithFallback(fb))
		zap.L().Warn("development fallback store enabled", zap.String("dir", c.Store.FallbackDir))
	}
	env.Pipeline = pipeline.New(c.Pipeline, reg, st, opts...)

	env.Facade, err = query.New(st, c.Query, c.Pipeline.MinKAnonymity)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}
