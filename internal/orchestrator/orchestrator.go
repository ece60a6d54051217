// Package orchestrator ties the intent store, draft store, confirmation
// resolver and dispatch chain into the preview, confirm, execute lifecycle.
// Nothing here holds an in-process lock; the database row transitions are
// the only coordination between competing confirmations.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/confirm"
	"github.com/pcavalcanti/despacho/internal/dispatch"
	"github.com/pcavalcanti/despacho/internal/draft"
	"github.com/pcavalcanti/despacho/internal/intent"
	"github.com/pcavalcanti/despacho/internal/models"
)

// ErrLockContention is returned when a confirmation loses the race for the
// intent. A concurrent caller moved the row first; this caller must not
// execute and must not report failure of the action itself.
var ErrLockContention = errors.New("intent already claimed by a concurrent confirmation")

// PreviewBuilder renders the human-facing summary shown before an action
// is confirmed. Implementations should be total: when they cannot produce
// a preview they return an error and the proposal is rejected, never
// created blind.
type PreviewBuilder interface {
	BuildPreview(actionType, toolName string, args map[string]any, draftContent string) (string, error)
}

// Opts configures an Orchestrator.
type Opts struct {
	DB      *gorm.DB
	Intents *intent.Store
	Drafts  *draft.Store
	Chain   *dispatch.Chain
	// Previews is optional; a built-in fallback renders tool name and
	// argument count when nil.
	Previews PreviewBuilder
	// TTL bounds how long a proposal stays confirmable. Zero means the
	// store default.
	TTL time.Duration
}

// Orchestrator drives intents through their lifecycle.
type Orchestrator struct {
	db       *gorm.DB
	intents  *intent.Store
	drafts   *draft.Store
	resolver *confirm.Resolver
	chain    *dispatch.Chain
	previews PreviewBuilder
	ttl      time.Duration
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("orchestrator: db is required")
	}
	if opts.Intents == nil {
		return nil, fmt.Errorf("orchestrator: intent store is required")
	}
	if opts.Drafts == nil {
		return nil, fmt.Errorf("orchestrator: draft store is required")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("orchestrator: dispatch chain is required")
	}
	resolver, err := confirm.NewResolver(opts.Intents)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{
		db:       opts.DB,
		intents:  opts.Intents,
		drafts:   opts.Drafts,
		resolver: resolver,
		chain:    opts.Chain,
		previews: opts.Previews,
		ttl:      opts.TTL,
	}, nil
}

// ProposeParams describes a side-effecting action awaiting confirmation.
type ProposeParams struct {
	SessionID  string
	ActionType string
	ToolName   string
	Args       map[string]any
	// DraftContent, when non-empty, creates a revisable draft attached
	// to the intent. DraftKind labels it (email, declaration...).
	DraftContent string
	DraftKind    string
	Actor        string
}

// Proposal is the result of Propose. Created is false when an identical
// unexpired proposal already existed; the returned intent is then the
// earlier one and no new draft was created.
type Proposal struct {
	Intent  *models.PendingIntent
	Created bool
	Preview string
}

// Propose stores a pending intent for the action and returns the preview
// the user must confirm. Proposing the same action twice within the TTL
// window returns the original intent instead of stacking a duplicate.
func (o *Orchestrator) Propose(p ProposeParams) (*Proposal, error) {
	canonical, err := intent.NormalizeArgs(p.Args)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: propose: %w", err)
	}

	preview, err := o.buildPreview(p)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: propose: %w", err)
	}

	in, created, err := o.intents.Create(intent.CreateParams{
		SessionID:  p.SessionID,
		ActionType: p.ActionType,
		ToolName:   p.ToolName,
		Args:       canonical,
		Preview:    preview,
		TTL:        o.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: propose: %w", err)
	}

	if created && p.DraftContent != "" {
		d, err := o.drafts.Create(p.SessionID, p.DraftKind, p.DraftContent)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: propose: %w", err)
		}
		if err := o.intents.AttachDraft(in.ID, d.ID); err != nil {
			return nil, fmt.Errorf("orchestrator: propose: %w", err)
		}
		in.DraftID = &d.ID
	}

	if created {
		o.audit(in.ID, p.SessionID, models.AuditProposed, p.Actor, preview)
	}
	return &Proposal{Intent: in, Created: created, Preview: in.Preview}, nil
}

func (o *Orchestrator) buildPreview(p ProposeParams) (string, error) {
	if o.previews != nil {
		return o.previews.BuildPreview(p.ActionType, p.ToolName, p.Args, p.DraftContent)
	}
	return defaultPreview(p.ToolName, p.Args), nil
}

// defaultPreview is deliberately bland: tool name plus the argument keys.
// Real deployments plug in a PreviewBuilder that knows the action shapes.
func defaultPreview(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return toolName
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return fmt.Sprintf("%s (%s)", toolName, strings.Join(keys, ", "))
}

// ReviseDraft appends a new revision to the draft behind a pending intent.
// The intent itself is untouched; whichever revision is latest when the
// confirmation wins is the one that executes.
func (o *Orchestrator) ReviseDraft(intentID, content, actor string) (int, error) {
	in, err := o.intents.Get(intentID)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: revise: %w", err)
	}
	if in.Status != models.IntentPending {
		return 0, fmt.Errorf("orchestrator: revise %s: intent is %s: %w",
			intentID, in.Status, intent.ErrInvalidTransition)
	}
	if in.DraftID == nil {
		return 0, fmt.Errorf("orchestrator: revise %s: intent has no draft", intentID)
	}
	rev, err := o.drafts.Revise(*in.DraftID, content)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: revise: %w", err)
	}
	o.audit(in.ID, in.SessionID, models.AuditRevised, actor, fmt.Sprintf("revision %d", rev))
	return rev, nil
}

// Outcome reports what a resolved confirmation did.
type Outcome struct {
	IntentID string
	Status   string           // final intent status: executed or cancelled
	Result   *dispatch.Result // nil for cancellations
}

// ResolveConfirmation interprets reply for the session and, on a confirm,
// claims and executes the selected intent. Resolver errors pass through
// unchanged so callers can render each case: confirm.ErrNotConfirmation,
// confirm.ErrNothingToConfirm, confirm.ErrIntentExpired,
// *confirm.AlreadyExecutedError, *confirm.AmbiguousError.
//
// Losing the claim race returns ErrLockContention. A handler failure leaves
// the intent in executing so it surfaces in the stuck report instead of
// becoming confirmable again.
func (o *Orchestrator) ResolveConfirmation(ctx context.Context, sessionID, reply, actor string) (*Outcome, error) {
	res, err := o.resolver.Resolve(sessionID, reply)
	if err != nil {
		return nil, err
	}
	in := res.Intent

	if res.Verdict == confirm.VerdictCancel {
		if err := o.intents.MarkCancelled(in.ID); err != nil {
			return nil, fmt.Errorf("orchestrator: cancel: %w", err)
		}
		o.audit(in.ID, sessionID, models.AuditCancelled, actor, reply)
		return &Outcome{IntentID: in.ID, Status: models.IntentCancelled}, nil
	}

	won, err := o.intents.TryLockExecuting(in.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: confirm: %w", err)
	}
	if !won {
		return nil, fmt.Errorf("orchestrator: confirm %s: %w", in.ID, ErrLockContention)
	}
	o.audit(in.ID, sessionID, models.AuditConfirmed, actor, reply)

	var args map[string]any
	if in.Args != "" {
		if err := json.Unmarshal([]byte(in.Args), &args); err != nil {
			o.audit(in.ID, sessionID, models.AuditFailed, actor, err.Error())
			return nil, fmt.Errorf("orchestrator: confirm %s: decode args: %w", in.ID, err)
		}
	}

	req := dispatch.Request{
		IntentID:   in.ID,
		SessionID:  sessionID,
		ActionType: in.ActionType,
		ToolName:   in.ToolName,
		Args:       args,
	}
	// The draft content is resolved after the lock is won, so the
	// executed revision is the latest at confirm time, not propose time.
	if in.DraftID != nil {
		rev, err := o.drafts.GetLatest(*in.DraftID)
		if err != nil {
			o.audit(in.ID, sessionID, models.AuditFailed, actor, err.Error())
			return nil, fmt.Errorf("orchestrator: confirm: %w", err)
		}
		req.Content = rev.Content
	}

	result, err := o.chain.Dispatch(ctx, req)
	if err != nil {
		o.audit(in.ID, sessionID, models.AuditFailed, actor, err.Error())
		return nil, fmt.Errorf("orchestrator: execute %s: %w", in.ID, err)
	}

	if err := o.intents.MarkExecuted(in.ID); err != nil {
		return nil, fmt.Errorf("orchestrator: execute: %w", err)
	}
	if in.DraftID != nil {
		if err := o.drafts.MarkSent(*in.DraftID); err != nil {
			return nil, fmt.Errorf("orchestrator: execute: %w", err)
		}
	}
	o.audit(in.ID, sessionID, models.AuditExecuted, actor, result.Output)
	return &Outcome{IntentID: in.ID, Status: models.IntentExecuted, Result: result}, nil
}

// audit appends a trail entry. The trail is advisory; a write failure is
// logged and never blocks the action lifecycle.
func (o *Orchestrator) audit(intentID, sessionID, event, actor, detail string) {
	entry := models.AuditEntry{
		IntentID:  intentID,
		SessionID: sessionID,
		Event:     event,
		Actor:     actor,
		Detail:    detail,
	}
	if err := o.db.Create(&entry).Error; err != nil {
		log.Printf("orchestrator: audit %s for %s: %v", event, intentID, err)
	}
}
