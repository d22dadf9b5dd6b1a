package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "collator-chat",
		Short: "Chat with the Skills Collator agent",
		Long: `Interactive client for the Skills Collator REST gateway.

Run without a subcommand to start a conversation. Type 'exit' or 'quit' to
leave; lines starting with / are sent as operator commands (/help).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			session, _ := cmd.Flags().GetString("session")
			return repl(cmd.Context(), c, user, session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().String("server", envOr("COLLATOR_SERVER", "http://localhost:8080"), "Skills Collator server URL")
	root.PersistentFlags().Duration("timeout", 0, "request timeout (default 3m)")
	root.Flags().String("user", envOr("USER", "cli-user"), "user id for the conversation")
	root.Flags().String("session", "", "resume a session id")

	root.AddCommand(newSkillsCmd(), newInstalledCmd(), newAuditCmd())
	return root
}

func clientFromFlags(cmd *cobra.Command) (*Client, error) {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if server == "" {
		return nil, fmt.Errorf("--server is required")
	}
	return NewClient(server, timeout), nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills <repository-url>",
		Short: "List the skills published in a verified repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			listing, err := c.Discover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			where := listing.BasePath
			if where == "" {
				where = "repository root"
			}
			if len(listing.Skills) == 0 {
				fmt.Fprintf(out, "No skills found in %s.\n", where)
				return nil
			}
			fmt.Fprintf(out, "Skills in %s (%s):\n", listing.Source, where)
			for _, name := range listing.Names() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}

func newInstalledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "installed",
		Short: "List skills installed in the server workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			manifests, err := c.Installed(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(manifests) == 0 {
				fmt.Fprintln(out, "No skills installed.")
				return nil
			}
			for _, m := range manifests {
				fmt.Fprintf(out, "  %s  %s\n", m.Name, m.Description)
			}
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent proposal and install events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			evts, err := c.Audit(cmd.Context(), count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range evts {
				fmt.Fprintf(out, "%s  %-14s %-20s %s %s\n",
					ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Session(), ev.Skill, ev.Verdict)
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 20, "number of events")
	return cmd
}
