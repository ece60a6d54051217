package gateway

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/models"
)

// CommandHandler processes read-only "!dsp" commands from chat.
// It does NOT claim intents — all operations are read-only.
type CommandHandler struct {
	db *gorm.DB
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(db *gorm.DB) (*CommandHandler, error) {
	if db == nil {
		return nil, fmt.Errorf("gateway: command handler: db is required")
	}
	return &CommandHandler{db: db}, nil
}

// Execute parses and executes a "!dsp" command string. Returns the
// response text to send back to the chat channel.
func (ch *CommandHandler) Execute(text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "status":
		return ch.cmdStatus()
	case "intents":
		return ch.cmdIntents(args[1:])
	case "draft":
		return ch.cmdDraft(args[1:])
	case "audit":
		return ch.cmdAudit(args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the "!dsp" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// cmdStatus counts intents per status.
func (ch *CommandHandler) cmdStatus() string {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := ch.db.Model(&models.PendingIntent{}).
		Select("status, count(*) as n").
		Group("status").
		Order("status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Sprintf("Error getting status: %v", err)
	}
	if len(rows) == 0 {
		return "No intents recorded yet."
	}

	var b strings.Builder
	b.WriteString("**Despacho Status**\n")
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("%-10s %d\n", r.Status, r.N))
	}
	return b.String()
}

// cmdIntents lists open intents, optionally filtered by session.
func (ch *CommandHandler) cmdIntents(args []string) string {
	q := ch.db.Where("status IN ?", []string{models.IntentPending, models.IntentExecuting})
	for i := 0; i < len(args)-1; i += 2 {
		if args[i] == "--session" {
			q = q.Where("session_id = ?", args[i+1])
		}
	}

	var intents []models.PendingIntent
	if err := q.Order("created_at DESC").Limit(20).Find(&intents).Error; err != nil {
		return fmt.Sprintf("Error listing intents: %v", err)
	}
	if len(intents) == 0 {
		return "No open intents."
	}

	return formatIntentTable(intents)
}

// cmdDraft handles "!dsp draft show <id>".
func (ch *CommandHandler) cmdDraft(args []string) string {
	if len(args) < 2 || args[0] != "show" {
		return "Usage: `!dsp draft show <draft-id>`"
	}

	var d models.Draft
	if err := ch.db.First(&d, "id = ?", args[1]).Error; err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	var rev models.DraftRevision
	if err := ch.db.Where("draft_id = ?", d.ID).
		Order("revision DESC").First(&rev).Error; err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Draft %s** (%s, %s, revision %d)\n", d.ID, d.Kind, d.Status, rev.Revision))
	b.WriteString(rev.Content)
	return b.String()
}

// cmdAudit shows the trail for one intent.
func (ch *CommandHandler) cmdAudit(args []string) string {
	if len(args) == 0 {
		return "Usage: `!dsp audit <intent-id>`"
	}

	var entries []models.AuditEntry
	if err := ch.db.Where("intent_id = ?", args[0]).
		Order("id ASC").Find(&entries).Error; err != nil {
		return fmt.Sprintf("Error loading audit trail: %v", err)
	}
	if len(entries) == 0 {
		return "No audit entries for that intent."
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Audit trail for %s**\n", args[0]))
	for _, e := range entries {
		detail := e.Detail
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		b.WriteString(fmt.Sprintf("%s  %-10s %-12s %s\n",
			e.CreatedAt.Format(time.DateTime), e.Event, e.Actor, detail))
	}
	return b.String()
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Despacho Commands**\n" +
		"`!dsp status` — Intent counts per status\n" +
		"`!dsp intents [--session X]` — List open intents\n" +
		"`!dsp draft show <id>` — Latest draft revision\n" +
		"`!dsp audit <intent-id>` — Lifecycle trail of an intent\n" +
		"`!dsp help` — This message"
}

// formatIntentTable formats a slice of intents as a fixed-width table.
func formatIntentTable(intents []models.PendingIntent) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Open intents** (%d)\n", len(intents)))
	b.WriteString(fmt.Sprintf("%-36s %-12s %-10s %s\n", "ID", "ACTION", "STATUS", "PREVIEW"))
	for _, in := range intents {
		preview := in.Preview
		if len(preview) > 40 {
			preview = preview[:37] + "..."
		}
		b.WriteString(fmt.Sprintf("%-36s %-12s %-10s %s\n",
			in.ID, in.ActionType, in.Status, preview))
	}
	return b.String()
}
