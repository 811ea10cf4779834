// Package config loads the fnhost configuration file.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/hostfunc"
	"github.com/caffeineduck/fnhost/storage"
)

// Config is the whole file. Zero values are filled from Default.
type Config struct {
	Listen          string        `yaml:"listen"`
	Strategy        string        `yaml:"strategy"`
	Workers         int           `yaml:"workers"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxArtifactSize int64         `yaml:"max_artifact_size"`
	Engine          EngineConfig  `yaml:"engine"`
	Network         NetworkConfig `yaml:"network"`
	Storage         StorageConfig `yaml:"storage"`
	Log             LogConfig     `yaml:"log"`
}

type EngineConfig struct {
	OptLevel string `yaml:"opt_level"`
	Debug    bool   `yaml:"debug"`
	Mode     string `yaml:"mode"`
	// Cache is "", "memory" or "disk".
	Cache    string `yaml:"cache"`
	CacheDir string `yaml:"cache_dir"`
	// Memory is a limit preset such as "64mb". Empty means no limit.
	Memory string `yaml:"memory"`
}

type NetworkConfig struct {
	Enabled bool                `yaml:"enabled"`
	HTTP    hostfunc.HTTPConfig `yaml:"http"`
}

type StorageConfig struct {
	// Backend is "s3", "local" or "memory".
	Backend string           `yaml:"backend"`
	Dir     string           `yaml:"dir"`
	S3      storage.S3Config `yaml:"s3"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Default matches a single-node deployment next to a local MinIO.
func Default() Config {
	return Config{
		Listen:          ":3000",
		Strategy:        "cooperative",
		MaxArtifactSize: 64 << 20,
		Engine: EngineConfig{
			OptLevel: "none",
			Debug:    true,
			Mode:     "auto",
		},
		Storage: StorageConfig{
			Backend: "s3",
			Dir:     "./data",
			S3:      storage.DefaultS3Config(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over Default. An empty path returns Default. ${VAR}
// references in the file are expanded from the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(bytes.NewReader([]byte(os.ExpandEnv(string(data)))), &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg, rejecting unknown keys.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	switch c.Strategy {
	case "blocking", "cooperative":
	default:
		return fmt.Errorf("strategy %q: expected blocking or cooperative", c.Strategy)
	}
	switch c.Storage.Backend {
	case "s3", "local", "memory":
	default:
		return fmt.Errorf("storage.backend %q: expected s3, local or memory", c.Storage.Backend)
	}
	switch c.Engine.Cache {
	case "", "memory", "disk":
	default:
		return fmt.Errorf("engine.cache %q: expected memory or disk", c.Engine.Cache)
	}
	if c.Engine.Memory != "" && engine.ParseMemoryLimit(c.Engine.Memory) == 0 {
		return fmt.Errorf("engine.memory %q: expected 1mb, 16mb, 64mb, 256mb or 1gb", c.Engine.Memory)
	}
	if _, err := engine.ParseOptLevel(c.Engine.OptLevel); err != nil {
		return fmt.Errorf("engine.opt_level: %w", err)
	}
	if _, err := engine.ParseMode(c.Engine.Mode); err != nil {
		return fmt.Errorf("engine.mode: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q: expected json or console", c.Log.Format)
	}
	return nil
}

// Build returns the engine configuration and options.
func (e EngineConfig) Build() (engine.Config, []engine.Option, error) {
	opt, err := engine.ParseOptLevel(e.OptLevel)
	if err != nil {
		return engine.Config{}, nil, err
	}
	mode, err := engine.ParseMode(e.Mode)
	if err != nil {
		return engine.Config{}, nil, err
	}
	cfg := engine.Config{
		OptLevel:         opt,
		Debug:            e.Debug,
		Mode:             mode,
		MemoryLimitPages: engine.ParseMemoryLimit(e.Memory),
	}

	var opts []engine.Option
	switch e.Cache {
	case "memory":
		opts = append(opts, engine.WithMemoryCache())
	case "disk":
		opts = append(opts, engine.WithCompilationCache(e.CacheDir))
	}
	return cfg, opts, nil
}

// Policy is the capability policy for this configuration.
func (c Config) Policy(stdout io.Writer) capability.Policy {
	return capability.Policy{
		Stdout:       stdout,
		AllowNetwork: c.Network.Enabled,
		HTTP:         c.Network.HTTP,
	}
}

// Open connects the configured storage backend.
func (s StorageConfig) Open(ctx context.Context) (storage.Store, error) {
	switch s.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "local":
		return storage.NewDirStore(s.Dir)
	case "s3":
		return storage.NewS3(ctx, s.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
