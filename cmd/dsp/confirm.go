package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pcavalcanti/despacho/internal/confirm"
	"github.com/pcavalcanti/despacho/internal/models"
)

func newConfirmCmd() *cobra.Command {
	var (
		configPath string
		session    string
		reply      string
	)

	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm or cancel a pending intent from the terminal",
		Long: `Shows the session's pending intents and resolves your reply exactly as
the chat gateway would: "yes" confirms, "no" cancels. When several intents
are open the reply is ambiguous; cancel the unwanted ones with
"dsp intent cancel" first. Without --reply the command prompts
interactively, which requires a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfirm(cmd, configPath, session, reply)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().StringVar(&session, "session", "", "session to resolve (required)")
	cmd.Flags().StringVar(&reply, "reply", "", "confirmation reply; prompts when omitted")
	cmd.MarkFlagRequired("session")
	return cmd
}

func runConfirm(cmd *cobra.Command, configPath, session, reply string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	orch, intents, err := buildOrchestrator(cfg, gormDB, out, false)
	if err != nil {
		return err
	}

	pending, err := intents.ListPending(session)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintf(out, "No pending intents for session %s.\n", session)
		return nil
	}

	fmt.Fprintf(out, "Pending intents for %s:\n", session)
	for i, in := range pending {
		fmt.Fprintf(out, "  %d. [%s] %s (expires %s)\n",
			i+1, in.ActionType, in.Preview, in.ExpiresAt.Format("15:04"))
	}
	fmt.Fprintln(out)

	if reply == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("stdin is not a terminal; pass --reply")
		}
		fmt.Fprint(out, "Reply (yes/no): ")
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read reply: %w", err)
			}
			return fmt.Errorf("read reply: no input")
		}
		reply = strings.TrimSpace(scanner.Text())
	}

	outcome, err := orch.ResolveConfirmation(context.Background(), session, reply, cfg.Owner)
	if err != nil {
		return renderConfirmError(out, err)
	}

	switch outcome.Status {
	case models.IntentCancelled:
		fmt.Fprintf(out, "Cancelled %s. Nothing was executed.\n", outcome.IntentID)
	case models.IntentExecuted:
		fmt.Fprintf(out, "Executed %s", outcome.IntentID)
		if outcome.Result != nil && outcome.Result.Output != "" {
			fmt.Fprintf(out, ": %s", outcome.Result.Output)
		}
		if outcome.Result != nil && outcome.Result.Ref != "" {
			fmt.Fprintf(out, " (ref %s)", outcome.Result.Ref)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// renderConfirmError prints friendly text for the expected resolver cases
// and returns the raw error for everything else.
func renderConfirmError(out io.Writer, err error) error {
	var already *confirm.AlreadyExecutedError
	if errors.As(err, &already) {
		fmt.Fprintf(out, "Already done: %s. It will not run twice.\n", already.Preview)
		return nil
	}
	var ambiguous *confirm.AmbiguousError
	if errors.As(err, &ambiguous) {
		fmt.Fprintln(out, "More than one intent matches. Cancel the unwanted ones with \"dsp intent cancel <id>\", then confirm again:")
		for i, c := range ambiguous.Candidates {
			fmt.Fprintf(out, "  %d. %s [%s] %s\n", i+1, c.IntentID, c.ActionType, c.Preview)
		}
		return nil
	}
	switch {
	case errors.Is(err, confirm.ErrNotConfirmation):
		fmt.Fprintln(out, "That reply is neither a confirmation nor a cancellation. Nothing happened.")
		return nil
	case errors.Is(err, confirm.ErrIntentExpired):
		fmt.Fprintln(out, "That proposal expired. Propose the action again for a fresh preview.")
		return nil
	}
	return err
}
