// Package confirm interprets free-text user replies against the pending
// intents of a session.
package confirm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pcavalcanti/despacho/internal/intent"
	"github.com/pcavalcanti/despacho/internal/models"
)

var (
	// ErrNothingToConfirm is returned when the session has no open intent.
	ErrNothingToConfirm = errors.New("nothing to confirm")
	// ErrNotConfirmation is returned when the reply is neither a confirm
	// nor a cancel phrase; the caller should treat it as a new request.
	ErrNotConfirmation = errors.New("reply is not a confirmation")
	// ErrIntentExpired is returned when the only open intent has passed
	// its expiry; the user must regenerate the proposal.
	ErrIntentExpired = errors.New("intent expired")
)

// AlreadyExecutedError reports an idempotent re-confirmation: the intent
// already ran and must not run again. Callers should surface it as a no-op
// success, not a failure.
type AlreadyExecutedError struct {
	IntentID string
	Preview  string
}

func (e *AlreadyExecutedError) Error() string {
	return fmt.Sprintf("intent %s already executed", e.IntentID)
}

// Candidate describes one pending intent competing for a confirmation.
type Candidate struct {
	IntentID   string
	ActionType string
	Preview    string
}

// AmbiguousError reports that more than one intent is open for the session.
// The resolver never guesses; the caller must ask the user to choose.
type AmbiguousError struct {
	Candidates []Candidate
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%d intents pending, confirmation is ambiguous", len(e.Candidates))
}

// Verdict is the classification of a user reply.
type Verdict int

const (
	// VerdictNone means the reply is neither confirm nor cancel.
	VerdictNone Verdict = iota
	// VerdictConfirm authorizes execution.
	VerdictConfirm
	// VerdictCancel abandons the intent.
	VerdictCancel
)

// Cancel phrases are checked before confirm phrases: "no, don't send"
// contains no confirm word, but a cautious order costs nothing.
var cancelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(no|nope|nah)\b`),
	regexp.MustCompile(`\bcancel\b`),
	regexp.MustCompile(`\bnever ?mind\b`),
	regexp.MustCompile(`\bforget it\b`),
	regexp.MustCompile(`\bdon'?t (send|do|pay|create)\b`),
	regexp.MustCompile(`\b(stop|abort|drop it)\b`),
}

var confirmPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(yes|yep|yeah|y|ok|okay|sure)\b`),
	regexp.MustCompile(`^(confirm|confirmed|approve|approved)\b`),
	regexp.MustCompile(`^(send|pay|go ahead|do it|ship it|proceed)\b`),
	regexp.MustCompile(`\blooks good\b`),
	regexp.MustCompile(`^lgtm\b`),
}

// Classify maps a free-text reply to a Verdict using the pattern sets.
func Classify(reply string) Verdict {
	text := strings.ToLower(strings.TrimSpace(reply))
	if text == "" {
		return VerdictNone
	}
	for _, re := range cancelPatterns {
		if re.MatchString(text) {
			return VerdictCancel
		}
	}
	for _, re := range confirmPatterns {
		if re.MatchString(text) {
			return VerdictConfirm
		}
	}
	return VerdictNone
}

// Resolution is the outcome of resolving a reply: the verdict and the single
// intent it selects.
type Resolution struct {
	Verdict Verdict
	Intent  *models.PendingIntent
}

// Resolver interprets replies against the intent store. It holds no state
// of its own: every resolution re-reads the store, so a restarted process
// resolves exactly like the one that created the proposal.
type Resolver struct {
	intents *intent.Store
}

// NewResolver creates a Resolver.
func NewResolver(intents *intent.Store) (*Resolver, error) {
	if intents == nil {
		return nil, fmt.Errorf("confirm: resolver: intent store is required")
	}
	return &Resolver{intents: intents}, nil
}

// Resolve interprets reply for the session and selects the intent it
// applies to. It never locks or mutates the intent — that is the caller's
// job — but it short-circuits expired intents so no lock is attempted on
// them.
func (r *Resolver) Resolve(sessionID, reply string) (*Resolution, error) {
	verdict := Classify(reply)
	if verdict == VerdictNone {
		return nil, ErrNotConfirmation
	}

	pending, err := r.intents.ListPending(sessionID)
	if err != nil {
		return nil, fmt.Errorf("confirm: resolve: %w", err)
	}

	switch len(pending) {
	case 0:
		return nil, r.explainEmpty(sessionID)
	case 1:
		selected := pending[0]
		// Re-check expiry: time may have passed since the listing.
		if !selected.ExpiresAt.After(time.Now()) {
			return nil, ErrIntentExpired
		}
		return &Resolution{Verdict: verdict, Intent: &selected}, nil
	default:
		amb := &AmbiguousError{}
		for _, in := range pending {
			amb.Candidates = append(amb.Candidates, Candidate{
				IntentID:   in.ID,
				ActionType: in.ActionType,
				Preview:    in.Preview,
			})
		}
		return nil, amb
	}
}

// explainEmpty distinguishes why the session has no open intent: a reply
// that re-confirms an executed action gets AlreadyExecutedError so it is
// never re-triggered, an expired one tells the user to regenerate, and a
// truly empty session gets ErrNothingToConfirm.
func (r *Resolver) explainEmpty(sessionID string) error {
	latest, err := r.intents.Latest(sessionID)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			return ErrNothingToConfirm
		}
		return fmt.Errorf("confirm: resolve: %w", err)
	}
	switch latest.Status {
	case models.IntentExecuted:
		return &AlreadyExecutedError{IntentID: latest.ID, Preview: latest.Preview}
	case models.IntentExpired:
		return ErrIntentExpired
	}
	return ErrNothingToConfirm
}
