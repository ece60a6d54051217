// Package dispatch resolves a confirmed action to an executable handler
// through ordered tiers. Every tier answers with an explicit decision —
// handled, or delegate with a reason — so a missing handler can never be
// mistaken for a silent success.
package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxHops caps total delegation across tiers.
const DefaultMaxHops = 3

// Request carries a confirmed action into the chain.
type Request struct {
	IntentID   string
	SessionID  string
	ActionType string
	ToolName   string
	Args       map[string]any
	// Content is the latest draft revision at confirm time, when the
	// action wraps a draft. Empty otherwise.
	Content string
}

// Result is the final outcome of a dispatched action.
type Result struct {
	Tier    string // which tier produced the result
	Output  string // human-readable execution summary
	Ref     string // external reference (message id, declaration number...)
}

// Decision is the explicit verdict of one tier: exactly one of Handled or
// delegate-with-reason. A zero Decision is a delegate with no reason, which
// the chain rejects — tiers must always say why they pass.
type Decision struct {
	handled bool
	result  *Result
	reason  string
}

// Handled wraps a final result.
func Handled(r *Result) Decision {
	return Decision{handled: true, result: r}
}

// Delegate passes the request to the next tier with an explanation.
func Delegate(reason string) Decision {
	return Decision{reason: reason}
}

// IsHandled reports whether the decision carries a final result.
func (d Decision) IsHandled() bool { return d.handled }

// Result returns the final result for a handled decision, nil otherwise.
func (d Decision) Result() *Result { return d.result }

// Reason returns the delegation reason for a delegate decision.
func (d Decision) Reason() string { return d.reason }

// Tier is one ordered stage of the chain.
type Tier interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (Decision, error)
}

// ExhaustedError reports that every tier delegated and the hop cap was
// reached without a result.
type ExhaustedError struct {
	Hops    int
	Reasons []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch exhausted after %d hops: %s", e.Hops, strings.Join(e.Reasons, "; "))
}

// Chain runs tiers in order. Each tier is visited at most once per
// dispatch, and total hops are capped, so a misbehaving tier set can
// neither loop nor silently no-op.
type Chain struct {
	tiers   []Tier
	maxHops int
}

// NewChain creates a Chain over the given tiers, first tier first.
func NewChain(maxHops int, tiers ...Tier) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("dispatch: chain: at least one tier is required")
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Chain{tiers: tiers, maxHops: maxHops}, nil
}

// Dispatch walks the tiers until one handles the request. Tier errors are
// terminal; so is hop-cap exhaustion.
func (c *Chain) Dispatch(ctx context.Context, req Request) (*Result, error) {
	var reasons []string
	hops := 0

	for _, tier := range c.tiers {
		if hops >= c.maxHops {
			break
		}
		hops++

		decision, err := tier.Dispatch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("dispatch: tier %s: %w", tier.Name(), err)
		}
		if decision.handled {
			if decision.result == nil {
				return nil, fmt.Errorf("dispatch: tier %s: handled decision with nil result", tier.Name())
			}
			if decision.result.Tier == "" {
				decision.result.Tier = tier.Name()
			}
			return decision.result, nil
		}
		reason := decision.reason
		if reason == "" {
			return nil, fmt.Errorf("dispatch: tier %s: delegated without a reason", tier.Name())
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", tier.Name(), reason))
	}

	return nil, &ExhaustedError{Hops: hops, Reasons: reasons}
}
