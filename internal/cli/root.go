package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ryhazerus/permit/config"
	"github.com/ryhazerus/permit/store"
)

// NewRootCmd creates the root permit command.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "permit",
		Short: "Probe distributed rate limits and semaphores",
		Long: `permit fires concurrent callers at a shared bucket or semaphore and
reports how many were granted. Point several instances at the same Redis or
SQLite store to watch them share one budget.`,
		SilenceUsage: true,
	}

	g.addFlags(root)

	root.AddCommand(
		newBucketCmd(g),
		newSemaphoreCmd(g),
		newResetCmd(g),
	)

	return root
}

type globalOptions struct {
	configPath string
	backend    string
	redisAddr  string
	sqlitePath string
	logLevel   string
}

func (g *globalOptions) addFlags(cmd *cobra.Command) {
	defaults := config.Default()
	f := cmd.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&g.backend, "backend", defaults.Backend, "coordinator backend (memory, sqlite, redis)")
	f.StringVar(&g.redisAddr, "redis-addr", defaults.Redis.Addr, "redis address host:port")
	f.StringVar(&g.sqlitePath, "sqlite-path", defaults.SQLite.Path, "sqlite database file")
	f.StringVar(&g.logLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
}

// load builds the effective config: defaults, then the config file, then any
// flag set explicitly on the command line.
func (g *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = g.backend
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = g.redisAddr
	}
	if flags.Changed("sqlite-path") {
		cfg.SQLite.Path = g.sqlitePath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}

	return cfg, cfg.Validate()
}

// session is what every subcommand needs: the config, a logger writing to
// the command's stderr, and an open coordinator.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	coord  store.Coordinator
}

func (g *globalOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return nil, err
	}

	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), lvl)

	coord, err := config.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}
	logger.Debug("coordinator opened", slog.String("backend", cfg.Backend))

	return &session{cfg: cfg, logger: logger, coord: coord}, nil
}

func (s *session) close() {
	if err := s.coord.Close(); err != nil {
		s.logger.Warn("closing coordinator", slog.Any("err", err))
	}
}

func newLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
