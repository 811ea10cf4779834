package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/storage"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.S3.Endpoint)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.False(t, cfg.Network.Enabled)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("FNHOST_TEST_SECRET", "s3cr3t")
	path := filepath.Join(t.TempDir(), "fnhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":8080"
strategy: blocking
workers: 8
timeout: 2s
engine:
  opt_level: speed
  cache: disk
  cache_dir: /tmp/fnhost-cache
  memory: 64mb
network:
  enabled: true
  http:
    allowed_hosts: [api.example.com]
    request_timeout: 5s
storage:
  backend: s3
  s3:
    access_key_id: minio
    secret_access_key: ${FNHOST_TEST_SECRET}
log:
  level: debug
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "blocking", cfg.Strategy)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"api.example.com"}, cfg.Network.HTTP.AllowedHosts)
	assert.Equal(t, 5*time.Second, cfg.Network.HTTP.RequestTimeout)
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey)
	// untouched keys keep their defaults
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.True(t, cfg.Engine.Debug)

	ec, opts, err := cfg.Engine.Build()
	require.NoError(t, err)
	assert.Equal(t, engine.OptSpeed, ec.OptLevel)
	assert.Equal(t, engine.MemoryLimit64MB, ec.MemoryLimitPages)
	assert.Len(t, opts, 1)

	policy := cfg.Policy(nil)
	assert.True(t, policy.AllowNetwork)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "listn: :80", "field listn not found"},
		{"strategy", "strategy: threads", "strategy"},
		{"backend", "storage: {backend: gcs}", "storage.backend"},
		{"opt level", "engine: {opt_level: turbo}", "engine.opt_level"},
		{"mode", "engine: {mode: wasi}", "engine.mode"},
		{"memory", "engine: {memory: 3mb}", "engine.memory"},
		{"cache", "engine: {cache: redis}", "engine.cache"},
		{"log level", "log: {level: loud}", "log.level"},
		{"log format", "log: {format: xml}", "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := Decode(strings.NewReader(tt.yaml), &cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestStorageOpen(t *testing.T) {
	s, err := StorageConfig{Backend: "memory"}.Open(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)

	dir := t.TempDir()
	s, err = StorageConfig{Backend: "local", Dir: dir}.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, s.(*storage.DirStore).Root())

	_, err = StorageConfig{Backend: "s3", S3: storage.DefaultS3Config()}.Open(context.Background())
	assert.Error(t, err, "credentials are required")
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := LogConfig{Level: "warn", Format: format}.NewLogger()
		require.NoError(t, err)
		assert.False(t, l.Core().Enabled(-1))
	}
}
