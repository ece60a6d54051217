// Package actions binds the known side-effecting actions into the dispatch
// chain. Handlers here do no business formatting themselves; they hand the
// confirmed payload to the Executor collaborator and shape its outcome.
package actions

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pcavalcanti/despacho/internal/dispatch"
)

// Known tool names.
const (
	ToolSendEmail         = "send_email"
	ToolCreateDeclaration = "create_declaration"
	ToolBankTransfer      = "bank_transfer"
	ToolPayAFRMM          = "pay_afrmm"
)

// Outcome is what an Executor reports back after performing a side effect.
type Outcome struct {
	Summary string // human-readable result line
	Ref     string // external reference (message id, declaration number...)
}

// Executor performs the actual side effect for an action: the email
// transport, customs API or banking client behind Despacho. Implementations
// live outside the core; Execute is called only after a confirmation won
// the intent lock.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, content string) (*Outcome, error)
}

// handler adapts one tool name onto the Executor.
func handler(tool string, exec Executor) dispatch.HandlerFunc {
	return func(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
		outcome, err := exec.Execute(ctx, tool, req.Args, req.Content)
		if err != nil {
			return nil, fmt.Errorf("actions: %s: %w", tool, err)
		}
		return &dispatch.Result{Output: outcome.Summary, Ref: outcome.Ref}, nil
	}
}

// RegisterAll binds every known action to the registry.
func RegisterAll(reg *dispatch.Registry, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("actions: executor is required")
	}
	for _, tool := range []string{ToolSendEmail, ToolCreateDeclaration, ToolBankTransfer, ToolPayAFRMM} {
		if err := reg.Register(tool, handler(tool, exec)); err != nil {
			return err
		}
	}
	return nil
}

// afrmmPattern matches the explicit AFRMM payment command and nothing else.
var afrmmPattern = regexp.MustCompile(`^pay_afrmm$`)

// Rules returns the deterministic-tier rules. AFRMM payments are
// unambiguous and safety-critical, so they bypass every downstream
// interpretation layer.
func Rules(exec Executor) []dispatch.Rule {
	return []dispatch.Rule{
		{
			Name:    "pay-afrmm",
			Pattern: afrmmPattern,
			Handler: handler(ToolPayAFRMM, exec),
		},
	}
}
