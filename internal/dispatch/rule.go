package dispatch

import (
	"context"
	"fmt"
	"regexp"
)

// Rule pairs a deterministic pattern with the handler it selects. Rules
// exist for safety-critical or unambiguous commands where no downstream
// interpretation should run at all — the match is the audit trail.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp // matched against the request tool name
	Handler Handler
}

// RuleTier is the first dispatch tier: exact, auditable pattern matching.
type RuleTier struct {
	rules []Rule
}

// NewRuleTier creates a RuleTier from an ordered rule list.
func NewRuleTier(rules []Rule) *RuleTier {
	return &RuleTier{rules: rules}
}

// Name implements Tier.
func (t *RuleTier) Name() string { return "rule" }

// Dispatch checks each rule in order and runs the first match. No match is
// an explicit delegate, not an error: most actions belong to later tiers.
func (t *RuleTier) Dispatch(ctx context.Context, req Request) (Decision, error) {
	for _, rule := range t.rules {
		if !rule.Pattern.MatchString(req.ToolName) {
			continue
		}
		result, err := rule.Handler.Handle(ctx, req)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		return Handled(result), nil
	}
	return Delegate(fmt.Sprintf("no rule matches tool %q", req.ToolName)), nil
}
