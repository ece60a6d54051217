package gateway

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/config"
	"github.com/pcavalcanti/despacho/internal/confirm"
	"github.com/pcavalcanti/despacho/internal/intent"
)

func testCfg() *config.Config {
	return &config.Config{
		Owner: "ana",
		DB:    config.DBConfig{Driver: "sqlite", Path: ":memory:"},
		Intents: config.IntentsConfig{
			TTLMinutes:    120,
			RetentionDays: 90,
		},
		Gateway: config.GatewayConfig{
			Platform:  "slack",
			SweepCron: "*/5 * * * *",
		},
	}
}

func newIntentStore(t *testing.T, db *gorm.DB) *intent.Store {
	t.Helper()
	s, err := intent.NewStore(db)
	if err != nil {
		t.Fatalf("intent.NewStore: %v", err)
	}
	return s
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestNewDaemon_Validation(t *testing.T) {
	db := openTestDB(t)
	cf := &stubConfirmer{err: confirm.ErrNotConfirmation}

	tests := []struct {
		name string
		opts DaemonOpts
		want string
	}{
		{"nil db", DaemonOpts{Config: testCfg(), Adapter: NewMockAdapter(), Confirmer: cf, Intents: newIntentStore(t, db)}, "db is required"},
		{"nil config", DaemonOpts{DB: db, Adapter: NewMockAdapter(), Confirmer: cf, Intents: newIntentStore(t, db)}, "config is required"},
		{"nil adapter", DaemonOpts{DB: db, Config: testCfg(), Confirmer: cf, Intents: newIntentStore(t, db)}, "adapter is required"},
		{"nil confirmer", DaemonOpts{DB: db, Config: testCfg(), Adapter: NewMockAdapter(), Intents: newIntentStore(t, db)}, "confirmer is required"},
		{"nil intents", DaemonOpts{DB: db, Config: testCfg(), Adapter: NewMockAdapter(), Confirmer: cf}, "intent store is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDaemon(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("NewDaemon error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRun_ConnectsAndShutdown(t *testing.T) {
	mock := NewMockAdapter()
	var buf bytes.Buffer
	db := openTestDB(t)

	d, err := NewDaemon(DaemonOpts{
		DB:        db,
		Config:    testCfg(),
		Adapter:   mock,
		Confirmer: &stubConfirmer{err: confirm.ErrNotConfirmation},
		Intents:   newIntentStore(t, db),
		Out:       &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	waitFor(t, func() bool {
		return strings.Contains(buf.String(), "Despacho gateway online")
	}, 2*time.Second)

	if mock.SentCount() < 1 {
		t.Fatal("expected online message to be sent")
	}
	first, _ := mock.LastSent()
	if first.Text != "Despacho online" {
		t.Errorf("first message = %q, want %q", first.Text, "Despacho online")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	last, ok := mock.LastSent()
	if !ok || last.Text != "Despacho shutting down" {
		t.Errorf("last message = %+v, want shutdown notice", last)
	}
}

func TestRun_HandlesAdapterClose(t *testing.T) {
	mock := NewMockAdapter()
	var buf bytes.Buffer
	db := openTestDB(t)

	d, err := NewDaemon(DaemonOpts{
		DB:        db,
		Config:    testCfg(),
		Adapter:   mock,
		Confirmer: &stubConfirmer{err: confirm.ErrNotConfirmation},
		Intents:   newIntentStore(t, db),
		Out:       &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run(context.Background())
	}()

	waitFor(t, func() bool {
		return strings.Contains(buf.String(), "Despacho gateway online")
	}, 2*time.Second)

	mock.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	if !strings.Contains(buf.String(), "inbound channel closed") {
		t.Errorf("missing channel closed message in output: %s", buf.String())
	}
}

func TestRun_InboundRoutedToRouter(t *testing.T) {
	mock := NewMockAdapter()
	var buf bytes.Buffer
	db := openTestDB(t)
	cf := &stubConfirmer{err: confirm.ErrNotConfirmation}

	d, err := NewDaemon(DaemonOpts{
		DB:        db,
		Config:    testCfg(),
		Adapter:   mock,
		Confirmer: cf,
		Intents:   newIntentStore(t, db),
		Out:       &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	waitFor(t, func() bool {
		return strings.Contains(buf.String(), "Despacho gateway online")
	}, 2*time.Second)

	before := mock.SentCount()
	mock.SimulateInbound(InboundMessage{
		Platform:  "slack",
		ChannelID: "C1",
		UserID:    "u-1",
		UserName:  "ana",
		Text:      "!dsp status",
	})

	waitFor(t, func() bool {
		return mock.SentCount() > before
	}, 2*time.Second)

	last, _ := mock.LastSent()
	if !strings.Contains(last.Text, "No intents") {
		t.Errorf("command reply = %q, want empty status", last.Text)
	}
}

func TestSweep_ExpiresAndPurges(t *testing.T) {
	mock := NewMockAdapter()
	var buf bytes.Buffer
	db := openTestDB(t)
	intents := newIntentStore(t, db)

	d, err := NewDaemon(DaemonOpts{
		DB:        db,
		Config:    testCfg(),
		Adapter:   mock,
		Confirmer: &stubConfirmer{err: confirm.ErrNotConfirmation},
		Intents:   intents,
		Out:       &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	if _, _, err := intents.Create(intent.CreateParams{
		SessionID: "s-1",
		ToolName:  "send_email",
		Preview:   "stale one",
		TTL:       time.Millisecond,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	d.sweep()

	if !strings.Contains(buf.String(), "1 intents expired") {
		t.Errorf("sweep output = %q, want one expiry", buf.String())
	}
}

func TestSweep_RetentionDeletesOldTerminalRows(t *testing.T) {
	mock := NewMockAdapter()
	var buf bytes.Buffer
	db := openTestDB(t)
	intents := newIntentStore(t, db)

	d, err := NewDaemon(DaemonOpts{
		DB:        db,
		Config:    testCfg(),
		Adapter:   mock,
		Confirmer: &stubConfirmer{err: confirm.ErrNotConfirmation},
		Intents:   intents,
		Out:       &buf,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	in, _, err := intents.Create(intent.CreateParams{
		SessionID: "s-1",
		ToolName:  "send_email",
		Preview:   "long finished",
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	won, err := intents.TryLockExecuting(in.ID)
	if err != nil || !won {
		t.Fatalf("TryLockExecuting: won=%v err=%v", won, err)
	}
	if err := intents.MarkExecuted(in.ID); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	// Age the row past the 90-day retention window.
	old := time.Now().Add(-91 * 24 * time.Hour)
	if err := db.Exec("UPDATE pending_intents SET updated_at = ? WHERE id = ?", old, in.ID).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	d.sweep()

	if !strings.Contains(buf.String(), "1 terminal intents deleted") {
		t.Errorf("sweep output = %q, want one retention deletion", buf.String())
	}
	if _, err := intents.Get(in.ID); err == nil {
		t.Error("expected executed intent to be deleted after retention pass")
	}
}
