package main

import (
	"fmt"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/pcavalcanti/despacho/internal/dashboard"
	"github.com/pcavalcanti/despacho/internal/intent"
)

func newIntentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Pending-intent management commands",
	}

	cmd.AddCommand(newIntentListCmd())
	cmd.AddCommand(newIntentShowCmd())
	cmd.AddCommand(newIntentCancelCmd())
	cmd.AddCommand(newIntentPurgeCmd())
	cmd.AddCommand(newIntentStuckCmd())
	return cmd
}

func newIntentListCmd() *cobra.Command {
	var (
		configPath string
		session    string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		Long:  "Lists intents with optional session and status filters, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentList(cmd, configPath, status, session, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().StringVar(&session, "session", "", "filter by session")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, executing, executed, expired, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}

func runIntentList(cmd *cobra.Command, configPath, status, session string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	rows, err := dashboard.IntentList(gormDB, status, session, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No intents found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tACTION\tSTATUS\tPREVIEW")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SessionID, r.ActionType, r.Status, truncate(r.Preview, 48))
	}
	w.Flush()
	return nil
}

func newIntentShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show intent details",
		Long:  "Displays full details of an intent including its argument snapshot and audit trail.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runIntentShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	detail, err := dashboard.IntentByID(gormDB, id)
	if err != nil {
		return fmt.Errorf("intent %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:       %s\n", detail.ID)
	fmt.Fprintf(out, "Session:  %s\n", detail.SessionID)
	fmt.Fprintf(out, "Action:   %s (%s)\n", detail.ActionType, detail.ToolName)
	fmt.Fprintf(out, "Status:   %s\n", detail.Status)
	fmt.Fprintf(out, "Preview:  %s\n", detail.Preview)
	if detail.DraftID != nil {
		fmt.Fprintf(out, "Draft:    %s\n", *detail.DraftID)
	}
	fmt.Fprintf(out, "Created:  %s\n", detail.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Expires:  %s\n", detail.ExpiresAt.Format("2006-01-02 15:04:05"))
	if detail.ExecutedAt != nil {
		fmt.Fprintf(out, "Executed: %s\n", detail.ExecutedAt.Format("2006-01-02 15:04:05"))
	}

	if detail.Args != "" {
		fmt.Fprintf(out, "\nArgs:\n%s\n", detail.Args)
	}

	if len(detail.Trail) > 0 {
		fmt.Fprintln(out, "\nAudit trail:")
		for _, e := range detail.Trail {
			fmt.Fprintf(out, "  [%s] %s by %s", e.CreatedAt.Format("2006-01-02 15:04"), e.Event, e.Actor)
			if e.Detail != "" {
				fmt.Fprintf(out, ": %s", truncate(e.Detail, 60))
			}
			fmt.Fprintln(out)
		}
	}

	return nil
}

func newIntentCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending intent",
		Long: `Cancels one pending intent by ID. Useful when several proposals are
open in a session and a blanket "yes" would be ambiguous: cancel the
unwanted ones, then confirm the survivor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentCancel(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runIntentCancel(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := intent.NewStore(gormDB)
	if err != nil {
		return err
	}

	if err := st.MarkCancelled(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled intent %s\n", id)
	return nil
}

func newIntentPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Sweep stale intents",
		Long: `Transitions pending intents past their expiry to expired, then deletes
terminal intents older than the configured retention window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentPurge(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runIntentPurge(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := intent.NewStore(gormDB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	expired, err := st.PurgeExpired()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Expired %d stale intents\n", expired)

	deleted, err := st.DeleteTerminal(cfg.Retention())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d terminal intents older than %dd\n", deleted, cfg.Intents.RetentionDays)
	return nil
}

func newIntentStuckCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List intents stuck in executing",
		Long: `Lists intents that entered executing but never reached executed. These
need out-of-band review: the side effect may or may not have happened, so
nothing requeues them automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentStuck(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "executing threshold before an intent counts as stuck")
	return cmd
}

func runIntentStuck(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := intent.NewStore(gormDB)
	if err != nil {
		return err
	}

	stuck, err := st.ListStuck(olderThan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(stuck) == 0 {
		fmt.Fprintln(out, "No stuck intents.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tACTION\tEXECUTING SINCE\tPREVIEW")
	for _, in := range stuck {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.SessionID, in.ActionType,
			in.UpdatedAt.Format("2006-01-02 15:04"), truncate(in.Preview, 40))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d intents need manual review.\n", len(stuck))
	return nil
}

// truncate shortens a string to maxLen, adding "..." if truncated. The cut
// lands on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
