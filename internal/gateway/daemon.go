package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/config"
	"github.com/pcavalcanti/despacho/internal/intent"
)

// Daemon is the main gateway process. It connects to a chat platform via an
// Adapter, pumps inbound messages through the Router, and runs the periodic
// expiry sweep and daily digest.
type Daemon struct {
	db        *gorm.DB
	cfg       *config.Config
	adapter   Adapter
	confirmer Confirmer
	intents   *intent.Store
	interp    RequestInterpreter
	out       io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB        *gorm.DB
	Config    *config.Config
	Adapter   Adapter
	Confirmer Confirmer
	Intents   *intent.Store
	Interp    RequestInterpreter // optional; disables new-request handling when nil
	Out       io.Writer          // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gateway: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("gateway: adapter is required")
	}
	if opts.Confirmer == nil {
		return nil, fmt.Errorf("gateway: confirmer is required")
	}
	if opts.Intents == nil {
		return nil, fmt.Errorf("gateway: intent store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Interp == nil {
		fmt.Fprintf(out, "gateway: no interpreter configured; new requests will be ignored\n")
	}
	return &Daemon{
		db:        opts.DB,
		cfg:       opts.Config,
		adapter:   opts.Adapter,
		confirmer: opts.Confirmer,
		intents:   opts.Intents,
		interp:    opts.Interp,
		out:       out,
	}, nil
}

// Run starts the gateway daemon. It connects the adapter, builds the Router
// and schedulers, and blocks until the context is cancelled. On shutdown it
// closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Despacho gateway connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	cmdHandler, err := NewCommandHandler(d.db)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Confirmer:  d.confirmer,
		CmdHandler: cmdHandler,
		Adapter:    d.adapter,
		Interp:     d.interp,
		BotUserID:  botUserID,
		Out:        d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: listen: %w", err)
	}

	go d.runSweepScheduler(ctx)
	go d.runDigestScheduler(ctx)

	fmt.Fprintf(d.out, "Despacho gateway online\n")
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: "Despacho online",
	}); err != nil {
		log.Printf("gateway: send online message: %v", err)
	}

	// Main event loop: pump inbound messages until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Despacho gateway shutting down...\n")
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				log.Printf("gateway: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Despacho gateway stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Despacho gateway inbound channel closed\n")
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

// runSweepScheduler fires the expiry sweep on the configured cron schedule.
// Each sweep transitions stale pending intents to expired and deletes
// terminal rows older than the retention window.
func (d *Daemon) runSweepScheduler(ctx context.Context) {
	expr := d.cfg.Gateway.SweepCron
	wait := nextCronDuration(expr)
	if wait <= 0 {
		log.Printf("gateway: sweep cron %q is invalid, sweeps disabled", expr)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.sweep()
			if w := nextCronDuration(expr); w > 0 {
				timer.Reset(w)
			}
		}
	}
}

// sweep runs one expiry pass and one retention pass.
func (d *Daemon) sweep() {
	swept, err := d.intents.PurgeExpired()
	if err != nil {
		log.Printf("gateway: sweep: %v", err)
	} else if swept > 0 {
		fmt.Fprintf(d.out, "gateway: sweep: %d intents expired\n", swept)
	}

	purged, err := d.intents.DeleteTerminal(d.cfg.Retention())
	if err != nil {
		log.Printf("gateway: retention: %v", err)
	} else if purged > 0 {
		fmt.Fprintf(d.out, "gateway: retention: %d terminal intents deleted\n", purged)
	}
}

// runDigestScheduler posts the activity digest on the configured schedule.
// It returns immediately when no digest cron is set.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	expr := d.cfg.Gateway.DigestCron
	if expr == "" {
		return
	}
	wait := nextCronDuration(expr)
	if wait <= 0 {
		log.Printf("gateway: digest cron %q is invalid, digest disabled", expr)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx)
			if w := nextCronDuration(expr); w > 0 {
				timer.Reset(w)
			}
		}
	}
}

// fireDigest builds and sends one activity digest. A quiet day is
// suppressed entirely.
func (d *Daemon) fireDigest(ctx context.Context) {
	text, err := BuildDigest(d.db, 24*time.Hour)
	if err != nil {
		log.Printf("gateway: digest: %v", err)
		return
	}
	if text == "" {
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{Text: text}); err != nil {
		log.Printf("gateway: send digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	ctx := context.Background()
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: "Despacho shutting down",
	}); err != nil {
		log.Printf("gateway: send shutdown message: %v", err)
	}
}
