package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/config"
	"github.com/pcavalcanti/despacho/internal/db"
)

const defaultConfigPath = "despacho.yaml"

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Despacho database",
		Long:  "Creates the database (mysql only), then migrates the intent, draft and audit tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for owner %q from %s\n", cfg.Owner, configPath)

	// MySQL needs the database created before we can connect to it.
	if cfg.DB.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.DB)
		if err != nil {
			return fmt.Errorf("connect to %s:%d: %w", cfg.DB.Host, cfg.DB.Port, err)
		}
		if err := db.CreateDatabase(adminDB, cfg.DB.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.DB.Database)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nDespacho database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Despacho database",
		Long: `Drops all Despacho data and re-creates the tables from scratch.

For sqlite this removes the database file; for mysql it drops and
re-creates the configured database. Pending intents, drafts and the
audit trail are all destroyed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target := cfg.DB.Path
	if cfg.DB.Driver == "mysql" {
		target = cfg.DB.Database
	}

	if !skipConfirm && !confirmReset(cmd, target) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if err := os.Remove(cfg.DB.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", cfg.DB.Path, err)
		}
		fmt.Fprintf(out, "Removed %s\n", cfg.DB.Path)
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.DB)
		if err != nil {
			return fmt.Errorf("connect to %s:%d: %w", cfg.DB.Host, cfg.DB.Port, err)
		}
		if err := db.DropDatabase(adminDB, cfg.DB.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", cfg.DB.Database)
		if err := db.CreateDatabase(adminDB, cfg.DB.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s re-created\n", cfg.DB.Database)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nDespacho database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, nil, err
	}

	return cfg, gormDB, nil
}
