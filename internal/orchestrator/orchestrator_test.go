package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pcavalcanti/despacho/internal/actions"
	"github.com/pcavalcanti/despacho/internal/confirm"
	"github.com/pcavalcanti/despacho/internal/dispatch"
	"github.com/pcavalcanti/despacho/internal/draft"
	"github.com/pcavalcanti/despacho/internal/intent"
	"github.com/pcavalcanti/despacho/internal/models"
)

// countingExecutor records every side effect it performs.
type countingExecutor struct {
	mu    sync.Mutex
	calls atomic.Int32
	tools []string
	last  string // content of the last executed draft
	fail  error
}

func (e *countingExecutor) Execute(ctx context.Context, toolName string, args map[string]any, content string) (*actions.Outcome, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	e.calls.Add(1)
	e.mu.Lock()
	e.tools = append(e.tools, toolName)
	e.last = content
	e.mu.Unlock()
	return &actions.Outcome{Summary: "done: " + toolName, Ref: "ref-1"}, nil
}

func newTestOrchestrator(t *testing.T, exec actions.Executor) (*Orchestrator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.PendingIntent{}, &models.Draft{},
		&models.DraftRevision{}, &models.AuditEntry{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	intents, err := intent.NewStore(db)
	if err != nil {
		t.Fatalf("intent.NewStore: %v", err)
	}
	drafts, err := draft.NewStore(db)
	if err != nil {
		t.Fatalf("draft.NewStore: %v", err)
	}

	reg := dispatch.NewRegistry()
	if err := actions.RegisterAll(reg, exec); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	chain, err := dispatch.NewChain(0,
		dispatch.NewRuleTier(actions.Rules(exec)),
		dispatch.NewRegistryTier(reg),
		dispatch.NewInterpreterTier(nil),
	)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	o, err := New(Opts{DB: db, Intents: intents, Drafts: drafts, Chain: chain})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, db
}

func auditEvents(t *testing.T, db *gorm.DB, intentID string) []string {
	t.Helper()
	var entries []models.AuditEntry
	if err := db.Where("intent_id = ?", intentID).Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("load audit: %v", err)
	}
	events := make([]string, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	return events
}

func TestProposeConfirmExecute(t *testing.T) {
	exec := &countingExecutor{}
	o, db := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:  "s-1",
		ActionType: "email",
		ToolName:   actions.ToolSendEmail,
		Args:       map[string]any{"to": "ops@example.com", "subject": "DI 24/001"},
		Actor:      "ana",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !prop.Created {
		t.Fatal("expected a fresh proposal")
	}
	if prop.Preview == "" {
		t.Fatal("expected a preview")
	}

	out, err := o.ResolveConfirmation(context.Background(), "s-1", "yes, send it", "ana")
	if err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	if out.Status != models.IntentExecuted {
		t.Errorf("Status = %q, want executed", out.Status)
	}
	if out.Result == nil || out.Result.Ref != "ref-1" {
		t.Errorf("Result = %+v, want ref-1", out.Result)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor calls = %d, want 1", got)
	}

	events := auditEvents(t, db, prop.Intent.ID)
	want := []string{models.AuditProposed, models.AuditConfirmed, models.AuditExecuted}
	if len(events) != len(want) {
		t.Fatalf("audit events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestResolveConfirmation_NoDoubleExecution(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	_, err := o.Propose(ProposeParams{
		SessionID:  "s-1",
		ActionType: "transfer",
		ToolName:   actions.ToolBankTransfer,
		Args:       map[string]any{"amount": 1500},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "yes", "ana"); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}

	_, err = o.ResolveConfirmation(context.Background(), "s-1", "yes", "ana")
	var already *confirm.AlreadyExecutedError
	if !errors.As(err, &already) {
		t.Fatalf("second confirmation error = %v, want AlreadyExecutedError", err)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor calls = %d, want exactly 1", got)
	}
}

func TestResolveConfirmation_ConcurrentOneWinner(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:  "s-1",
		ActionType: "afrmm",
		ToolName:   actions.ToolPayAFRMM,
		Args:       map[string]any{"bl": "SSZX123"},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var winners atomic.Int32
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.ResolveConfirmation(context.Background(), "s-1", "pay it", "ana")
			if err == nil && out.Status == models.IntentExecuted {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor calls = %d, want 1", got)
	}

	in, err := o.intents.Get(prop.Intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if in.Status != models.IntentExecuted {
		t.Errorf("final status = %q, want executed", in.Status)
	}
}

func TestResolveConfirmation_CancelPath(t *testing.T) {
	exec := &countingExecutor{}
	o, db := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:  "s-1",
		ActionType: "email",
		ToolName:   actions.ToolSendEmail,
		Args:       map[string]any{"to": "x@example.com"},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	out, err := o.ResolveConfirmation(context.Background(), "s-1", "no, cancel that", "ana")
	if err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	if out.Status != models.IntentCancelled {
		t.Errorf("Status = %q, want cancelled", out.Status)
	}
	if got := exec.calls.Load(); got != 0 {
		t.Errorf("executor calls = %d, want 0", got)
	}

	events := auditEvents(t, db, prop.Intent.ID)
	if len(events) != 2 || events[1] != models.AuditCancelled {
		t.Errorf("audit events = %v, want [proposed cancelled]", events)
	}
}

func TestPropose_DeduplicatesWithinTTL(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	args := map[string]any{"to": "ops@example.com"}
	first, err := o.Propose(ProposeParams{
		SessionID: "s-1", ActionType: "email", ToolName: actions.ToolSendEmail, Args: args,
	})
	if err != nil {
		t.Fatalf("first Propose: %v", err)
	}
	second, err := o.Propose(ProposeParams{
		SessionID: "s-1", ActionType: "email", ToolName: actions.ToolSendEmail, Args: args,
	})
	if err != nil {
		t.Fatalf("second Propose: %v", err)
	}
	if second.Created {
		t.Error("expected the duplicate to reuse the first intent")
	}
	if second.Intent.ID != first.Intent.ID {
		t.Errorf("intent ID = %s, want %s", second.Intent.ID, first.Intent.ID)
	}
}

func TestResolveConfirmation_UsesLatestRevision(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:    "s-1",
		ActionType:   "email",
		ToolName:     actions.ToolSendEmail,
		Args:         map[string]any{"to": "ops@example.com"},
		DraftKind:    "email",
		DraftContent: "first wording",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Intent.DraftID == nil {
		t.Fatal("expected an attached draft")
	}

	rev, err := o.ReviseDraft(prop.Intent.ID, "final wording", "ana")
	if err != nil {
		t.Fatalf("ReviseDraft: %v", err)
	}
	if rev != 2 {
		t.Errorf("revision = %d, want 2", rev)
	}

	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "send it", "ana"); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	if exec.last != "final wording" {
		t.Errorf("executed content = %q, want the latest revision", exec.last)
	}

	d, err := o.drafts.Get(*prop.Intent.DraftID)
	if err != nil {
		t.Fatalf("Get draft: %v", err)
	}
	if d.Status != models.DraftSent {
		t.Errorf("draft status = %q, want sent", d.Status)
	}
}

func TestReviseDraft_RejectsTerminalIntent(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:    "s-1",
		ActionType:   "email",
		ToolName:     actions.ToolSendEmail,
		Args:         map[string]any{"to": "x@example.com"},
		DraftKind:    "email",
		DraftContent: "hello",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "yes", "ana"); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}

	if _, err := o.ReviseDraft(prop.Intent.ID, "too late", "ana"); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Errorf("ReviseDraft after execution = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveConfirmation_HandlerFailureLeavesExecuting(t *testing.T) {
	exec := &countingExecutor{fail: fmt.Errorf("smtp unreachable")}
	o, db := newTestOrchestrator(t, exec)

	prop, err := o.Propose(ProposeParams{
		SessionID:  "s-1",
		ActionType: "email",
		ToolName:   actions.ToolSendEmail,
		Args:       map[string]any{"to": "x@example.com"},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "yes", "ana"); err == nil {
		t.Fatal("expected the handler failure to surface")
	}

	in, err := o.intents.Get(prop.Intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if in.Status != models.IntentExecuting {
		t.Errorf("status = %q, want executing for the stuck report", in.Status)
	}

	events := auditEvents(t, db, prop.Intent.ID)
	if len(events) == 0 || events[len(events)-1] != models.AuditFailed {
		t.Errorf("audit events = %v, want failed last", events)
	}
}

func TestResolveConfirmation_PassesResolverErrors(t *testing.T) {
	exec := &countingExecutor{}
	o, _ := newTestOrchestrator(t, exec)

	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "yes", "ana"); !errors.Is(err, confirm.ErrNothingToConfirm) {
		t.Errorf("empty session error = %v, want ErrNothingToConfirm", err)
	}
	if _, err := o.ResolveConfirmation(context.Background(), "s-1", "please draft an email", "ana"); !errors.Is(err, confirm.ErrNotConfirmation) {
		t.Errorf("plain request error = %v, want ErrNotConfirmation", err)
	}
}
