package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
)

// stubTier returns a fixed decision and counts its calls.
type stubTier struct {
	name     string
	decision Decision
	err      error
	calls    int
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Dispatch(ctx context.Context, req Request) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func TestChain_FirstTierHandles(t *testing.T) {
	first := &stubTier{name: "first", decision: Handled(&Result{Output: "done"})}
	second := &stubTier{name: "second", decision: Delegate("unused")}
	chain, err := NewChain(3, first, second)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	result, err := chain.Dispatch(context.Background(), Request{ToolName: "send_email"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Output != "done" {
		t.Errorf("Output = %q, want done", result.Output)
	}
	if result.Tier != "first" {
		t.Errorf("Tier = %q, want first", result.Tier)
	}
	if second.calls != 0 {
		t.Errorf("second tier called %d times, want 0", second.calls)
	}
}

func TestChain_DelegatesInOrder(t *testing.T) {
	first := &stubTier{name: "first", decision: Delegate("not mine")}
	second := &stubTier{name: "second", decision: Handled(&Result{Output: "ok"})}
	chain, _ := NewChain(3, first, second)

	result, err := chain.Dispatch(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Tier != "second" {
		t.Errorf("Tier = %q, want second", result.Tier)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", first.calls, second.calls)
	}
}

func TestChain_AllDelegateExhausts(t *testing.T) {
	tiers := []Tier{
		&stubTier{name: "rule", decision: Delegate("no rule")},
		&stubTier{name: "registry", decision: Delegate("no handler")},
		&stubTier{name: "interpreter", decision: Delegate("no interpreter")},
	}
	chain, _ := NewChain(3, tiers...)

	_, err := chain.Dispatch(context.Background(), Request{ToolName: "unknown"})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if exhausted.Hops != 3 {
		t.Errorf("Hops = %d, want 3", exhausted.Hops)
	}
	if len(exhausted.Reasons) != 3 {
		t.Errorf("len(Reasons) = %d, want 3", len(exhausted.Reasons))
	}
	if !strings.Contains(exhausted.Reasons[1], "no handler") {
		t.Errorf("Reasons[1] = %q, want registry reason", exhausted.Reasons[1])
	}

	// No tier is visited twice within one dispatch.
	for _, tier := range tiers {
		if st := tier.(*stubTier); st.calls != 1 {
			t.Errorf("tier %s called %d times, want 1", st.name, st.calls)
		}
	}
}

func TestChain_HopCapStopsEarly(t *testing.T) {
	tiers := []Tier{
		&stubTier{name: "a", decision: Delegate("pass")},
		&stubTier{name: "b", decision: Delegate("pass")},
		&stubTier{name: "c", decision: Handled(&Result{Output: "late"})},
	}
	chain, _ := NewChain(2, tiers...)

	_, err := chain.Dispatch(context.Background(), Request{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if exhausted.Hops != 2 {
		t.Errorf("Hops = %d, want 2", exhausted.Hops)
	}
	if tiers[2].(*stubTier).calls != 0 {
		t.Error("tier past the hop cap must not run")
	}
}

func TestChain_TierErrorIsTerminal(t *testing.T) {
	first := &stubTier{name: "boom", err: fmt.Errorf("handler blew up")}
	second := &stubTier{name: "second", decision: Handled(&Result{})}
	chain, _ := NewChain(3, first, second)

	_, err := chain.Dispatch(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "handler blew up") {
		t.Fatalf("err = %v, want wrapped tier error", err)
	}
	if second.calls != 0 {
		t.Error("tiers after a failing tier must not run")
	}
}

func TestChain_SilentDelegateRejected(t *testing.T) {
	chain, _ := NewChain(3, &stubTier{name: "mute", decision: Decision{}})

	_, err := chain.Dispatch(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "without a reason") {
		t.Fatalf("err = %v, want reasonless-delegate error", err)
	}
}

func TestNewChain_RequiresTiers(t *testing.T) {
	if _, err := NewChain(3); err == nil {
		t.Fatal("expected error for empty tier list")
	}
}

func TestRuleTier_MatchAndDelegate(t *testing.T) {
	var handledReq Request
	rule := Rule{
		Name:    "afrmm",
		Pattern: regexp.MustCompile(`^pay_afrmm$`),
		Handler: HandlerFunc(func(ctx context.Context, req Request) (*Result, error) {
			handledReq = req
			return &Result{Output: "AFRMM paid"}, nil
		}),
	}
	tier := NewRuleTier([]Rule{rule})

	decision, err := tier.Dispatch(context.Background(), Request{ToolName: "pay_afrmm"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !decision.handled {
		t.Fatal("expected rule to handle pay_afrmm")
	}
	if handledReq.ToolName != "pay_afrmm" {
		t.Errorf("handler saw %q", handledReq.ToolName)
	}

	decision, err = tier.Dispatch(context.Background(), Request{ToolName: "send_email"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if decision.handled {
		t.Fatal("unmatched tool must delegate")
	}
	if decision.reason == "" {
		t.Error("delegate must carry a reason")
	}
}

func TestRegistryTier(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("send_email", HandlerFunc(func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Output: "sent"}, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tier := NewRegistryTier(reg)

	decision, err := tier.Dispatch(context.Background(), Request{ToolName: "send_email"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !decision.handled || decision.result.Output != "sent" {
		t.Errorf("decision = %+v, want handled sent", decision)
	}

	decision, err = tier.Dispatch(context.Background(), Request{ToolName: "unknown"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if decision.handled {
		t.Fatal("unknown tool must delegate")
	}
}

func TestRegistry_Validation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("", nil); err == nil {
		t.Error("expected error for empty name")
	}
	if err := reg.Register("x", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", HandlerFunc(func(ctx context.Context, req Request) (*Result, error) { return nil, nil }))
	reg.Register("a", HandlerFunc(func(ctx context.Context, req Request) (*Result, error) { return nil, nil }))

	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v, want [a b]", names)
	}
}

func TestInterpreterTier_NilDelegates(t *testing.T) {
	tier := NewInterpreterTier(nil)
	decision, err := tier.Dispatch(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if decision.handled {
		t.Fatal("nil interpreter must delegate")
	}
}

type stubInterpreter struct{ decision Decision }

func (s stubInterpreter) Interpret(ctx context.Context, req Request) (Decision, error) {
	return s.decision, nil
}

func TestInterpreterTier_Forwards(t *testing.T) {
	tier := NewInterpreterTier(stubInterpreter{decision: Handled(&Result{Output: "interpreted"})})
	decision, err := tier.Dispatch(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !decision.handled || decision.result.Output != "interpreted" {
		t.Errorf("decision = %+v", decision)
	}
}
