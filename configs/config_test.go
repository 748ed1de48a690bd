package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "tempus/configs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/api/v1", cfg.Server.APIPrefix)
	assert.Equal(t, "localhost:6379", cfg.Queue.Addr())
	assert.Equal(t, []string{"localhost:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 3, cfg.Job.MaxRetryAttempts)
	assert.Equal(t, 5000, cfg.Job.RetryDelayMs)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 336, cfg.Log.RetentionHours)
	assert.Empty(t, cfg.Archive.Backend)
	assert.Contains(t, cfg.Store.DSN(), "host=localhost")
	assert.Contains(t, cfg.Store.DSN(), "dbname=tempus")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  host: db.internal
  password: hunter2
queue:
  port: 6380
worker:
  concurrency: 12
log:
  retention_hours: 100
archive:
  backend: local
  dir: /var/spool/tempus
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Contains(t, cfg.Store.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Store.DSN(), "password=hunter2")
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "localhost:6380", cfg.Queue.Addr())
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, "local", cfg.Archive.Backend)
	// Retention is floored at two weeks.
	assert.Equal(t, 336, cfg.Log.RetentionHours)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
store:
  host: db.internal
`)
	t.Setenv("STORE_HOST", "db.override")
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379, etcd-2:2379")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.override", cfg.Store.Host)
	assert.Equal(t, 7, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Etcd.Endpoints)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"port out of range", "server:\n  port: 70000\n", "out of range"},
		{"zero concurrency", "worker:\n  concurrency: -1\n", "must be positive"},
		{"unknown archive backend", "archive:\n  backend: tape\n", "not recognized"},
		{"s3 without bucket", "archive:\n  backend: s3\n", "archive.bucket required"},
		{"local without dir", "archive:\n  backend: local\n", "archive.dir required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "{{{"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config file")
	})
}

func TestStoreConfig_DSN(t *testing.T) {
	s := config.StoreConfig{
		Host: "db", Port: 5433, Name: "jobs", User: "svc", Password: "pw", SSLMode: "require",
		Pool: config.PoolConfig{AcquireMs: 2500},
	}
	// The acquire budget rounds up to whole seconds.
	assert.Equal(t, "host=db port=5433 user=svc password=pw dbname=jobs sslmode=require connect_timeout=3", s.DSN())

	s.Pool.AcquireMs = 0
	assert.Contains(t, s.DSN(), "connect_timeout=1")
}
