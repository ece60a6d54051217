package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/actions"
	"github.com/pcavalcanti/despacho/internal/config"
	"github.com/pcavalcanti/despacho/internal/dispatch"
	"github.com/pcavalcanti/despacho/internal/draft"
	"github.com/pcavalcanti/despacho/internal/gateway"
	discordadapter "github.com/pcavalcanti/despacho/internal/gateway/discord"
	slackadapter "github.com/pcavalcanti/despacho/internal/gateway/slack"
	"github.com/pcavalcanti/despacho/internal/intent"
	"github.com/pcavalcanti/despacho/internal/orchestrator"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the chat gateway daemon",
		Long:  "The gateway connects Despacho to a chat platform (Slack, Discord) where operators confirm or cancel proposed actions.",
	}

	cmd.AddCommand(newGatewayStartCmd())
	return cmd
}

func newGatewayStartCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon",
		Long: `Connects to the configured chat platform and listens for confirmation
replies and !dsp commands. With --dry-run, confirmed actions are only
announced, never performed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStart(cmd, configPath, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Despacho config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "announce confirmed actions instead of executing them")
	return cmd
}

func runGatewayStart(cmd *cobra.Command, configPath string, dryRun bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Gateway.Platform == "" {
		return fmt.Errorf("gateway: no platform configured in %s (add gateway.platform)", configPath)
	}

	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintln(out, "Dry-run mode: confirmed actions are logged, not executed.")
	}

	orch, intents, err := buildOrchestrator(cfg, gormDB, out, dryRun)
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := gateway.NewDaemon(gateway.DaemonOpts{
		DB:        gormDB,
		Config:    cfg,
		Adapter:   adapter,
		Confirmer: orch,
		Intents:   intents,
		Out:       out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (gateway.Adapter, error) {
	switch cfg.Gateway.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Gateway.Slack.AppToken,
			BotToken:  cfg.Gateway.Slack.BotToken,
			ChannelID: cfg.Gateway.Slack.ChannelID,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Gateway.Discord.BotToken,
			ChannelID: cfg.Gateway.Discord.ChannelID,
		})
	default:
		return nil, fmt.Errorf("gateway: unsupported platform %q", cfg.Gateway.Platform)
	}
}

// buildOrchestrator assembles the full dispatch chain. With dryRun the
// executor only announces what it would do; otherwise the logging executor
// runs, which production deployments replace with real transports behind
// the same Executor seam.
func buildOrchestrator(cfg *config.Config, gormDB *gorm.DB, out io.Writer, dryRun bool) (*orchestrator.Orchestrator, *intent.Store, error) {
	intents, err := intent.NewStore(gormDB)
	if err != nil {
		return nil, nil, err
	}
	drafts, err := draft.NewStore(gormDB)
	if err != nil {
		return nil, nil, err
	}

	var exec actions.Executor = &logExecutor{out: out}
	if dryRun {
		exec = &dryRunExecutor{out: out}
	}
	reg := dispatch.NewRegistry()
	if err := actions.RegisterAll(reg, exec); err != nil {
		return nil, nil, err
	}
	chain, err := dispatch.NewChain(cfg.Dispatch.MaxHops,
		dispatch.NewRuleTier(actions.Rules(exec)),
		dispatch.NewRegistryTier(reg),
		dispatch.NewInterpreterTier(nil),
	)
	if err != nil {
		return nil, nil, err
	}

	orch, err := orchestrator.New(orchestrator.Opts{
		DB:      gormDB,
		Intents: intents,
		Drafts:  drafts,
		Chain:   chain,
		TTL:     cfg.TTL(),
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, intents, nil
}

// logExecutor records each confirmed action instead of performing it. The
// real email, customs and banking transports implement the same interface
// and are injected in their place.
type logExecutor struct {
	out io.Writer
}

func (e *logExecutor) Execute(ctx context.Context, toolName string, args map[string]any, content string) (*actions.Outcome, error) {
	ref := "DSP-" + uuid.NewString()[:8]
	fmt.Fprintf(e.out, "execute %s (%d args, %d byte payload) ref=%s\n", toolName, len(args), len(content), ref)
	return &actions.Outcome{
		Summary: fmt.Sprintf("%s completed", toolName),
		Ref:     ref,
	}, nil
}

// dryRunExecutor announces the action and performs nothing. Selected by
// the gateway's --dry-run flag.
type dryRunExecutor struct {
	out io.Writer
}

func (e *dryRunExecutor) Execute(ctx context.Context, toolName string, args map[string]any, content string) (*actions.Outcome, error) {
	fmt.Fprintf(e.out, "dry-run: would execute %s (%d args, %d byte payload)\n", toolName, len(args), len(content))
	return &actions.Outcome{
		Summary: fmt.Sprintf("%s skipped (dry-run)", toolName),
	}, nil
}
