package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
listen: ":9000"
timezone: "America/Chicago"
log_level: "verbose"
database:
  driver: "postgres"
  dsn: "host=db user=app dbname=lessons"
feed:
  dir: "/var/lib/lessoncal/feeds"
basic_auth:
  username: ""
  password: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "America/Chicago", cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=app dbname=lessons", cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.PickerWeeks)
	assert.Equal(t, "*/15 * * * *", cfg.Feed.Refresh)
	assert.Equal(t, "/var/lib/lessoncal/feeds", cfg.Feed.Dir)
	assert.Equal(t, 56, cfg.Feed.HorizonDays)
	assert.Equal(t, "./var/ics-cache", cfg.Feed.ImportCacheDir)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Nil(t, cfg.BasicAuth, "empty credentials disable auth")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "s3cret"}
	cfg.PickerWeeks = 8
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	assert.Error(t, Save("", cfg))
	assert.Error(t, Save(path, nil))
}
