package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/intercom/client"
)

func newAgentsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "no agents")
				return nil
			}
			cyan := color.New(color.FgCyan)
			dim := color.New(color.Faint)
			for _, a := range agents {
				cyan.Fprintf(out, "%-20s", a.Name)
				fmt.Fprintf(out, " %s/%s", a.Program, a.Model)
				if a.DeregisteredTS != nil {
					color.New(color.FgRed).Fprint(out, "  deregistered")
				}
				dim.Fprintf(out, "  last active %s\n", a.LastActiveTS)
			}
			return nil
		},
	}
}

func newWhoisCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whois <agent>",
		Short: "Show an agent's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			a, err := c.Whois(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printAgent(cmd.OutOrStdout(), a)
			return nil
		},
	}
}

func printAgent(out io.Writer, a client.Agent) {
	label := color.New(color.FgCyan)
	field := func(name, value string) {
		if value == "" {
			return
		}
		label.Fprintf(out, "%-16s", name+":")
		fmt.Fprintln(out, value)
	}
	field("name", a.Name)
	field("project", a.Project)
	field("program", a.Program)
	field("model", a.Model)
	field("task", a.TaskDescription)
	field("inception", a.InceptionTS)
	field("last active", a.LastActiveTS)
	if a.DeregisteredTS != nil {
		label.Fprintf(out, "%-16s", "deregistered:")
		color.New(color.FgRed).Fprintln(out, *a.DeregisteredTS)
	}
}

func newDeregisterCommand(opts *globalOptions) *cobra.Command {
	var deleteInbox bool
	cmd := &cobra.Command{
		Use:   "deregister <agent>",
		Short: "Retire an agent and release everything it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Deregister(cmd.Context(), args[0], deleteInbox)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !res.WasRegistered:
				color.New(color.FgYellow).Fprintf(out, "%s was never registered\n", args[0])
			case res.AlreadyDeregistered:
				color.New(color.FgYellow).Fprintf(out, "%s was already deregistered\n", res.Agent)
			default:
				color.New(color.FgGreen).Fprintf(out, "deregistered %s\n", res.Agent)
				fmt.Fprintf(out, "  contacts removed:      %d\n", res.ContactLinksRemoved)
				fmt.Fprintf(out, "  reservations released: %d\n", res.FileReservationsReleased)
				fmt.Fprintf(out, "  inbox records deleted: %d\n", res.InboxRecordsDeleted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteInbox, "delete-inbox", false, "Also delete the agent's inbox records")
	return cmd
}

func newInboxCommand(opts *globalOptions) *cobra.Command {
	var (
		since uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "inbox <agent>",
		Short: "Show messages addressed to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			inbox, err := c.InboxSince(cmd.Context(), args[0], since, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(inbox.Messages) == 0 {
				fmt.Fprintln(out, "inbox empty")
				return nil
			}
			cyan := color.New(color.FgCyan)
			yellow := color.New(color.FgYellow)
			dim := color.New(color.Faint)
			for _, m := range inbox.Messages {
				dim.Fprintf(out, "#%d ", m.Cursor)
				cyan.Fprintf(out, "%s", m.From)
				fmt.Fprintf(out, ": %s", m.Subject)
				if m.Importance != "" && m.Importance != "normal" {
					yellow.Fprintf(out, " [%s]", m.Importance)
				}
				if m.AckRequired && m.AckTS == nil {
					yellow.Fprint(out, " (ack required)")
				}
				fmt.Fprintln(out)
			}
			dim.Fprintf(out, "cursor %d\n", inbox.Cursor)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only messages after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum messages to return")
	return cmd
}

func newReserveCommand(opts *globalOptions) *cobra.Command {
	var (
		ttl    time.Duration
		shared bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "reserve <agent> <pattern>...",
		Short: "Lease path patterns for an agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			exclusive := !shared
			granted, err := c.Reserve(cmd.Context(), client.ReserveRequest{
				Agent:      args[0],
				Paths:      args[1:],
				TTLSeconds: int(ttl / time.Second),
				Exclusive:  &exclusive,
				Reason:     reason,
			})
			out := cmd.OutOrStdout()
			if apiErr, ok := err.(*client.APIError); ok && len(apiErr.Conflicts) > 0 {
				red := color.New(color.FgRed)
				red.Fprintln(out, "reservation refused:")
				for _, cf := range apiErr.Conflicts {
					fmt.Fprintf(out, "  %s overlaps %s held by %s until %s\n", cf.Pattern, cf.HeldPattern, cf.Holder, cf.ExpiresAt)
				}
				return fmt.Errorf("%d conflicting reservation(s)", len(apiErr.Conflicts))
			}
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			for _, r := range granted {
				mode := "exclusive"
				if !r.Exclusive {
					mode = "shared"
				}
				green.Fprintf(out, "%s", r.PathPattern)
				fmt.Fprintf(out, " %s until %s\n", mode, r.ExpiresTS)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lease duration (server default when 0)")
	cmd.Flags().BoolVar(&shared, "shared", false, "Take a shared lease")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the paths are held")
	return cmd
}

