package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/intercom/internal/config"
)

const defaultConfigFile = "intercom.yaml"

type initOptions struct {
	path   string
	dbPath string
	addr   string
	force  bool
}

func newInitConfigCommand() *cobra.Command {
	opts := &initOptions{path: defaultConfigFile}
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := initConfigFile(*opts)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.path, "output", "o", opts.path, "Config file to write")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "Database path to record")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address to record")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing file")
	return cmd
}

// initConfigFile writes the default config with any overrides to opts.path.
func initConfigFile(opts initOptions) (string, error) {
	path := strings.TrimSpace(opts.path)
	if path == "" {
		return "", fmt.Errorf("config file path required")
	}
	cfg := config.Default()
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := config.Write(path, cfg, opts.force); err != nil {
		return "", err
	}
	return path, nil
}
