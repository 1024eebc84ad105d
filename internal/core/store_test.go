package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

func TestSQLiteStoreCRUD(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "switchyard.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	w := 4
	a := testSystem("a")
	a.Weight = &w
	a.MaxResponseTime = 250 * time.Millisecond
	a.Capabilities.SupportedModels = []string{"gpt-4o"}
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, testSystem("b")))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	a.Region = "eu-west"
	require.NoError(t, s.Put(ctx, a))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "eu-west", list[0].Region)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrUnknownSystem)
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrUnknownSystem)
	assert.Error(t, s.Put(ctx, api.SystemConfig{ID: "bad"}))
	require.NoError(t, s.Close())

	// Reopening applies no migration twice and keeps data.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStaticStore(t *testing.T) {
	ctx := context.Background()
	st := NewStaticStore([]api.SystemConfig{testSystem("a")})

	require.NoError(t, st.Put(ctx, testSystem("b")))
	updated := testSystem("a")
	updated.Region = "us"
	require.NoError(t, st.Put(ctx, updated))

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "us", list[0].Region)

	require.NoError(t, st.Delete(ctx, "a"))
	_, err = st.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrUnknownSystem)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv(TokenEnv, "")

	// Missing default file falls back to defaults.
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHealthInterval, cfg.Health.Interval)
	assert.Equal(t, "round_robin", cfg.Routing.Strategy)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "switchyard"), 0o755))
	yml := `
transport:
  timeout: 5s
  token: from-yaml
  breaker:
    max_failures: 3
health:
  interval: 15s
  max_concurrency: 4
routing:
  strategy: sticky_hash
systems:
  - id: eu-1
    address: http://10.0.0.1:8088
    environment: production
    is_active: true
    weight: 0
    max_response_time: 2s
    capabilities:
      supported_models: [gpt-4o]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "switchyard", "config.yaml"), []byte(yml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "switchyard", "secrets.env"), []byte("# token\nSWITCHYARD_TOKEN=\"from-secrets\"\n"), 0o600))

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, uint32(3), cfg.Transport.Breaker.MaxFailures)
	assert.Equal(t, "from-secrets", cfg.Transport.Token)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
	require.Len(t, cfg.Systems, 1)
	assert.Equal(t, 2*time.Second, cfg.Systems[0].MaxResponseTime)
	assert.Equal(t, 0, cfg.Systems[0].EffectiveWeight())

	opts, err := cfg.ManagerOptions()
	require.NoError(t, err)
	assert.Equal(t, StickyHash, opts.Strategy)
	assert.Equal(t, 4, opts.ProbeConcurrency)

	t.Setenv(TokenEnv, "from-env")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Transport.Token)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Routing.Strategy = "fastest"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Systems = []api.SystemConfig{testSystem("a"), testSystem("a")}
	assert.ErrorIs(t, cfg.Validate(), ErrDuplicateSystem)
}
