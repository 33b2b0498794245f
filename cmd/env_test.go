package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/store"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Env: config.EnvDevelopment,
		Store: config.StoreConfig{
			Driver:           driver,
			DatabaseURL:      filepath.Join(dir, "myrad.db"),
			FileDir:          filepath.Join(dir, "data"),
			MaxConns:         1,
			QueryTimeoutSecs: 5,
		},
		Pipeline: config.PipelineConfig{MinKAnonymity: 10},
		Query:    config.QueryConfig{DefaultLimit: 100, MaxLimit: 1000},
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	fileCfg := testConfig(t, "file")
	st, err := openStore(ctx, fileCfg.Store)
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, st)
	require.NoError(t, st.Close())

	sqliteCfg := testConfig(t, "sqlite")
	st, err = openStore(ctx, sqliteCfg.Store)
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestInitEnv_SQLite(t *testing.T) {
	env, err := initEnv(context.Background(), testConfig(t, "sqlite"))
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Facade)
	assert.Nil(t, env.Fallback)
	assert.NoError(t, env.Store.Ping(context.Background()))
}

func TestInitEnv_DevelopmentFallback(t *testing.T) {
	c := testConfig(t, "sqlite")
	c.Store.FallbackDir = t.TempDir()

	env, err := initEnv(context.Background(), c)
	require.NoError(t, err)
	defer env.Close()
	assert.NotNil(t, env.Fallback)
}

func TestInitEnv_RejectsInvalidConfig(t *testing.T) {
	c := testConfig(t, "file")
	c.Env = config.EnvProduction
	_, err := initEnv(context.Background(), c)
	assert.Error(t, err)

	c = testConfig(t, "sqlite")
	c.Pipeline.MinKAnonymity = 0
	_, err = initEnv(context.Background(), c)
	assert.Error(t, err)
}
