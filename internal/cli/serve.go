package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intercom/internal/config"
	"github.com/mistakeknot/intercom/internal/server"
)

type serveOptions struct {
	configPath string
	addr       string
	socketPath string
	dbPath     string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging)
			if err != nil {
				return err
			}
			app, err := server.NewApp(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("intercom listening", "addr", cfg.Server.Addr, "socket", cfg.Server.SocketPath, "db", cfg.Database.Path)
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml or .toml)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "TCP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "Unix socket path (overrides config)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	return cmd
}

// load resolves the file config, then applies flag overrides.
func (o *serveOptions) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.socketPath != "" {
		cfg.Server.SocketPath = o.socketPath
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	return cfg, cfg.Validate()
}

