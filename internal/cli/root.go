// Package cli holds the intercom command tree.
package cli

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intercom/client"
)

const defaultServerURL = "http://127.0.0.1:7338"

type globalOptions struct {
	serverURL string
	project   string
	timeout   time.Duration
}

// client returns an API client scoped to the selected project.
func (o *globalOptions) client() (*client.Client, error) {
	if o.project == "" {
		return nil, errors.New("--project is required")
	}
	return client.New(o.serverURL,
		client.WithProject(o.project),
		client.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	), nil
}

// NewRootCommand builds the intercom CLI.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{
		serverURL: envOr("INTERCOM_URL", defaultServerURL),
		project:   os.Getenv("INTERCOM_PROJECT"),
		timeout:   10 * time.Second,
	}
	root := &cobra.Command{
		Use:           "intercom",
		Short:         "Coordination server for cooperating coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", opts.serverURL, "Server base URL (env INTERCOM_URL)")
	root.PersistentFlags().StringVarP(&opts.project, "project", "p", opts.project, "Project key (env INTERCOM_PROJECT)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", opts.timeout, "Request timeout")

	root.AddCommand(
		newServeCommand(),
		newInitConfigCommand(),
		newAgentsCommand(opts),
		newWhoisCommand(opts),
		newDeregisterCommand(opts),
		newInboxCommand(opts),
		newReserveCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
