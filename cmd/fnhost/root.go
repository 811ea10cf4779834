package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/capability"
	"github.com/caffeineduck/fnhost/config"
	"github.com/caffeineduck/fnhost/engine"
	"github.com/caffeineduck/fnhost/executor"
	"github.com/caffeineduck/fnhost/sandbox"
	"github.com/caffeineduck/fnhost/storage"
)

var rootCmd = &cobra.Command{
	Use:   "fnhost",
	Short: "WebAssembly function host",
	Long: `fnhost - Run stored WebAssembly functions in fresh sandboxes.

Every invocation fetches the binary, compiles it, grants the least set of
capabilities it needs and runs its exec export with a JSON payload. Guests
get standard output and nothing else unless network access is enabled.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json, console")
	rootCmd.PersistentFlags().String("storage", "", "Storage backend: s3, local, memory")
	rootCmd.PersistentFlags().String("storage-dir", "", "Root directory for the local backend")
}

// addExecFlags registers the flags shared by every command that runs guests.
func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().String("strategy", "", "Invocation strategy: cooperative, blocking")
	cmd.Flags().Int("workers", 0, "Blocking strategy worker count (default: one per CPU)")
	cmd.Flags().Duration("timeout", 0, "Per-invocation timeout (0 = none)")
	cmd.Flags().Bool("allow-network", false, "Grant network access to guests that import it")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	cmd.Flags().String("memory", "", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	cmd.Flags().String("opt-level", "", "Optimization level: none, speed")
	cmd.Flags().String("mode", "", "Binary mode: auto, core, component")
	cmd.Flags().String("cache", "", "Compiled code cache: memory, disk")

	// Security limits
	cmd.Flags().Int("http-max-url", 0, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", 0, "Max HTTP response body size")
}

// loadConfig reads --config and applies every flag the user set. quiet
// lowers the default log level for one-shot commands.
func loadConfig(cmd *cobra.Command, quiet bool) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if quiet && path == "" {
		cfg.Log.Level = "warn"
	}

	set := func(name string, apply func()) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	flags := cmd.Flags()
	set("log-level", func() { cfg.Log.Level, _ = flags.GetString("log-level") })
	set("log-format", func() { cfg.Log.Format, _ = flags.GetString("log-format") })
	set("storage", func() { cfg.Storage.Backend, _ = flags.GetString("storage") })
	set("storage-dir", func() { cfg.Storage.Dir, _ = flags.GetString("storage-dir") })
	set("listen", func() { cfg.Listen, _ = flags.GetString("listen") })
	set("strategy", func() { cfg.Strategy, _ = flags.GetString("strategy") })
	set("workers", func() { cfg.Workers, _ = flags.GetInt("workers") })
	set("timeout", func() { cfg.Timeout, _ = flags.GetDuration("timeout") })
	set("allow-network", func() { cfg.Network.Enabled, _ = flags.GetBool("allow-network") })
	set("allow-host", func() {
		cfg.Network.HTTP.AllowedHosts, _ = flags.GetStringSlice("allow-host")
		cfg.Network.Enabled = true
	})
	set("memory", func() { cfg.Engine.Memory, _ = flags.GetString("memory") })
	set("opt-level", func() { cfg.Engine.OptLevel, _ = flags.GetString("opt-level") })
	set("mode", func() { cfg.Engine.Mode, _ = flags.GetString("mode") })
	set("cache", func() { cfg.Engine.Cache, _ = flags.GetString("cache") })
	set("http-max-url", func() { cfg.Network.HTTP.MaxURLLength, _ = flags.GetInt("http-max-url") })
	set("http-max-body", func() { cfg.Network.HTTP.MaxBodySize, _ = flags.GetInt64("http-max-body") })

	return cfg, cfg.Validate()
}

// host bundles everything a command needs to run guests.
type host struct {
	cfg    config.Config
	logger *zap.Logger
	store  storage.Store
	engine *engine.Engine
	exec   *executor.Executor
}

// newHost builds the logger, the engine and the executor. The store is only
// opened when withStore is set. Guest output goes to stdout.
func newHost(ctx context.Context, cfg config.Config, withStore bool, stdout io.Writer) (_ *host, err error) {
	h := &host{cfg: cfg}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	if h.logger, err = cfg.Log.NewLogger(); err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	sandbox.SetLogger(h.logger)

	var fetcher storage.Fetcher
	if withStore {
		if h.store, err = cfg.Storage.Open(ctx); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		fetcher = h.store
	}

	ecfg, eopts, err := cfg.Engine.Build()
	if err != nil {
		return nil, err
	}
	if h.engine, err = engine.New(ecfg, append(eopts, engine.WithLogger(h.logger))...); err != nil {
		return nil, err
	}

	strategy, err := executor.NewStrategy(cfg.Strategy, cfg.Workers)
	if err != nil {
		return nil, err
	}
	broker := capability.NewBroker(cfg.Policy(stdout), capability.WithLogger(h.logger))

	h.exec, err = executor.New(fetcher,
		executor.WithEngine(h.engine),
		executor.WithStrategy(strategy),
		executor.WithBroker(broker),
		executor.WithTimeout(cfg.Timeout),
		executor.WithMaxArtifactSize(cfg.MaxArtifactSize),
		executor.WithLogger(h.logger),
	)
	if err != nil {
		strategy.Close()
		return nil, err
	}
	return h, nil
}

func (h *host) Close() {
	if h.exec != nil {
		h.exec.Close()
	}
	if h.engine != nil {
		h.engine.Close(context.Background())
	}
	if h.logger != nil {
		h.logger.Sync()
	}
}

// openStore opens only the configured store, for the bucket and file
// commands.
func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}
	return cfg.Storage.Open(cmd.Context())
}
