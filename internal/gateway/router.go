package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pcavalcanti/despacho/internal/confirm"
	"github.com/pcavalcanti/despacho/internal/orchestrator"
)

// commandPrefix is the prefix that triggers read-only command handling.
const commandPrefix = "!dsp"

// Confirmer resolves a free-text reply against the session's pending
// intents. *orchestrator.Orchestrator satisfies it; tests use stubs.
type Confirmer interface {
	ResolveConfirmation(ctx context.Context, sessionID, reply, actor string) (*orchestrator.Outcome, error)
}

// historyLimit caps how many thread messages are fetched as interpreter
// context.
const historyLimit = 20

// InterpRequest is a new-action message plus its recent thread context.
type InterpRequest struct {
	SessionID string
	UserName  string
	Text      string
	History   []ThreadMessage // oldest first; empty for top-level messages
}

// RequestInterpreter turns an operator message that is neither a command
// nor a confirmation into a reply, typically by proposing a new intent and
// returning its preview. It is the conversational entry point; the router
// works without one but then only answers commands and confirmations.
type RequestInterpreter interface {
	HandleRequest(ctx context.Context, req InterpRequest) (string, error)
}

// Router classifies inbound chat messages and routes them to the
// appropriate handler: confirmation resolution, read-only commands, the
// request interpreter, or ignore for bot/self messages.
type Router struct {
	confirmer  Confirmer
	cmdHandler *CommandHandler
	adapter    Adapter
	interp     RequestInterpreter
	botUserID  string // the bot's own user ID (to filter self-messages)
	out        io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Confirmer  Confirmer
	CmdHandler *CommandHandler
	Adapter    Adapter
	Interp     RequestInterpreter // optional
	BotUserID  string             // bot's user ID for self-message filtering
	Out        io.Writer          // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Confirmer == nil {
		return nil, fmt.Errorf("gateway: router: confirmer is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("gateway: router: command handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("gateway: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		confirmer:  opts.Confirmer,
		cmdHandler: opts.CmdHandler,
		adapter:    opts.Adapter,
		interp:     opts.Interp,
		botUserID:  opts.BotUserID,
		out:        out,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Command prefix "!dsp" → command handler
//  3. Confirmation or cancellation reply → confirmer
//  4. Anything else → request interpreter (when configured)
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	fmt.Fprintf(r.out, "gateway: router: recv [ch=%s thread=%s user=%s] %q\n",
		msg.ChannelID, msg.ThreadID, msg.UserName, truncate(text, 80))

	if isCommand(text) {
		fmt.Fprintf(r.out, "gateway: router: → command\n")
		r.handleCommand(ctx, msg, text)
		return
	}

	sessionID := SessionID(msg)

	outcome, err := r.confirmer.ResolveConfirmation(ctx, sessionID, text, msg.UserName)
	if err == nil {
		r.reply(ctx, msg, renderOutcome(outcome))
		return
	}

	// A reply that is not a confirmation falls through to the
	// interpreter; every other resolution error is rendered for the
	// operator.
	if !errors.Is(err, confirm.ErrNotConfirmation) {
		fmt.Fprintf(r.out, "gateway: router: → confirmation (%v)\n", err)
		r.reply(ctx, msg, renderResolveError(err))
		return
	}

	if r.interp == nil {
		fmt.Fprintf(r.out, "gateway: router: → ignore (no interpreter)\n")
		return
	}
	fmt.Fprintf(r.out, "gateway: router: → interpreter\n")
	reply, err := r.interp.HandleRequest(ctx, InterpRequest{
		SessionID: sessionID,
		UserName:  msg.UserName,
		Text:      text,
		History:   r.threadHistory(ctx, msg),
	})
	if err != nil {
		log.Printf("gateway: router: interpret request: %v", err)
		r.reply(ctx, msg, fmt.Sprintf("Sorry, I could not process that: %v", err))
		return
	}
	if reply != "" {
		r.reply(ctx, msg, reply)
	}
}

// threadHistory fetches recent thread messages as interpreter context.
// Top-level messages have no thread, and a history fetch failure degrades
// to interpreting the message on its own.
func (r *Router) threadHistory(ctx context.Context, msg InboundMessage) []ThreadMessage {
	if msg.ThreadID == "" {
		return nil
	}
	history, err := r.adapter.ThreadHistory(ctx, msg.ChannelID, msg.ThreadID, historyLimit)
	if err != nil {
		log.Printf("gateway: router: thread history: %v", err)
		return nil
	}
	return history
}

// SessionID derives the confirmation session key for a message. Top-level
// channel messages use the channel ID as the thread key, so a follow-up
// reply in the same channel lands in the same session.
func SessionID(msg InboundMessage) string {
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = msg.ChannelID
	}
	return msg.Platform + ":" + msg.ChannelID + ":" + threadID
}

// renderOutcome formats a successful resolution for the operator.
func renderOutcome(out *orchestrator.Outcome) string {
	switch {
	case out.Result != nil && out.Result.Ref != "":
		return fmt.Sprintf("Done. %s (ref %s)", out.Result.Output, out.Result.Ref)
	case out.Result != nil:
		return fmt.Sprintf("Done. %s", out.Result.Output)
	default:
		return "Cancelled. Nothing was executed."
	}
}

// renderResolveError maps each resolution failure to operator-facing text.
// An already-executed intent reads as reassurance, not as an error: the
// action happened exactly once and a repeated "yes" must not look alarming.
func renderResolveError(err error) string {
	var already *confirm.AlreadyExecutedError
	if errors.As(err, &already) {
		return fmt.Sprintf("Already done: %s. I won't run it twice.", already.Preview)
	}
	var amb *confirm.AmbiguousError
	if errors.As(err, &amb) {
		var b strings.Builder
		b.WriteString("You have more than one action pending. Which one?\n")
		for i, c := range amb.Candidates {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, c.ActionType, c.Preview)
		}
		b.WriteString("Cancel the ones you don't want, then confirm again.")
		return b.String()
	}
	switch {
	case errors.Is(err, confirm.ErrIntentExpired):
		return "That proposal expired. Ask me again to get a fresh preview."
	case errors.Is(err, confirm.ErrNothingToConfirm):
		return "There is nothing pending to confirm."
	case errors.Is(err, orchestrator.ErrLockContention):
		return "That action is already being executed."
	}
	return fmt.Sprintf("Could not complete that: %v", err)
}

// reply sends text back to the channel/thread the message came from.
func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      text,
	}); err != nil {
		log.Printf("gateway: router: send reply: %v", err)
	}
}

// handleCommand dispatches a "!dsp" command and sends the response.
func (r *Router) handleCommand(ctx context.Context, msg InboundMessage, text string) {
	response := r.cmdHandler.Execute(text)
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      response,
	}); err != nil {
		log.Printf("gateway: router: send command response: %v", err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// truncate returns s truncated to maxLen with "..." appended if needed.
// The cut lands on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
