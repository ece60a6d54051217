package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pcavalcanti/despacho/internal/draft"
)

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Draft management commands",
	}

	cmd.AddCommand(newDraftShowCmd())
	cmd.AddCommand(newDraftHistoryCmd())
	cmd.AddCommand(newDraftReviseCmd())
	return cmd
}

func newDraftShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the latest revision of a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraftShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runDraftShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := draft.NewStore(gormDB)
	if err != nil {
		return err
	}

	d, err := st.Get(id)
	if err != nil {
		return err
	}
	rev, err := st.GetLatest(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Draft:    %s\n", d.ID)
	fmt.Fprintf(out, "Session:  %s\n", d.SessionID)
	fmt.Fprintf(out, "Kind:     %s\n", d.Kind)
	fmt.Fprintf(out, "Status:   %s\n", d.Status)
	fmt.Fprintf(out, "Revision: %d\n", rev.Revision)
	fmt.Fprintf(out, "\n%s\n", rev.Content)
	return nil
}

func newDraftHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show all revisions of a draft",
		Long:  "Lists every revision of a draft oldest first. Revisions are never edited or deleted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraftHistory(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runDraftHistory(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := draft.NewStore(gormDB)
	if err != nil {
		return err
	}

	revs, err := st.History(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range revs {
		fmt.Fprintf(out, "--- revision %d (%s) ---\n", r.Revision, r.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintln(out, r.Content)
	}
	return nil
}

func newDraftReviseCmd() *cobra.Command {
	var (
		configPath string
		content    string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Append a new revision to a draft",
		Long: `Appends a new revision with the given content. The draft the operator
eventually confirms is always the latest revision at confirmation time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" && file == "" {
				return fmt.Errorf("either --content or --file is required")
			}
			if content != "" && file != "" {
				return fmt.Errorf("--content and --file are mutually exclusive")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				content = string(data)
			}
			return runDraftRevise(cmd, configPath, args[0], content)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().StringVar(&content, "content", "", "new revision content")
	cmd.Flags().StringVar(&file, "file", "", "read revision content from file")
	return cmd
}

func runDraftRevise(cmd *cobra.Command, configPath, id, content string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := draft.NewStore(gormDB)
	if err != nil {
		return err
	}

	rev, err := st.Revise(id, content)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Draft %s now at revision %d\n", id, rev)
	return nil
}
