package dashboard

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/models"
)

// IntentRow holds intent data for the list view.
type IntentRow struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	ActionType string     `json:"action_type"`
	ToolName   string     `json:"tool_name"`
	Preview    string     `json:"preview"`
	Status     string     `json:"status"`
	DraftID    *string    `json:"draft_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// IntentList returns intents matching the optional status and session
// filters, newest first.
func IntentList(db *gorm.DB, status, sessionID string, limit int) ([]IntentRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := db.Model(&models.PendingIntent{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var intents []models.PendingIntent
	if err := q.Order("created_at DESC").Limit(limit).Find(&intents).Error; err != nil {
		return nil, err
	}

	rows := make([]IntentRow, len(intents))
	for i, in := range intents {
		rows[i] = intentRow(in)
	}
	return rows, nil
}

func intentRow(in models.PendingIntent) IntentRow {
	return IntentRow{
		ID:         in.ID,
		SessionID:  in.SessionID,
		ActionType: in.ActionType,
		ToolName:   in.ToolName,
		Preview:    in.Preview,
		Status:     in.Status,
		DraftID:    in.DraftID,
		CreatedAt:  in.CreatedAt,
		ExpiresAt:  in.ExpiresAt,
		ExecutedAt: in.ExecutedAt,
	}
}

// IntentDetail is one intent plus its full audit trail.
type IntentDetail struct {
	IntentRow
	Args  string     `json:"args"`
	Trail []AuditRow `json:"trail"`
}

// IntentByID loads a single intent with its audit trail. Returns
// gorm.ErrRecordNotFound when the intent does not exist.
func IntentByID(db *gorm.DB, id string) (*IntentDetail, error) {
	var in models.PendingIntent
	if err := db.First(&in, "id = ?", id).Error; err != nil {
		return nil, err
	}

	var entries []models.AuditEntry
	if err := db.Where("intent_id = ?", id).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}

	detail := &IntentDetail{
		IntentRow: intentRow(in),
		Args:      in.Args,
		Trail:     make([]AuditRow, len(entries)),
	}
	for i, e := range entries {
		detail.Trail[i] = auditRow(e)
	}
	return detail, nil
}

// RevisionRow holds one draft revision for display.
type RevisionRow struct {
	Revision  int       `json:"revision"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DraftRevisions returns the full revision history of a draft, oldest
// first. Returns gorm.ErrRecordNotFound when the draft does not exist.
func DraftRevisions(db *gorm.DB, draftID string) ([]RevisionRow, error) {
	var d models.Draft
	if err := db.First(&d, "id = ?", draftID).Error; err != nil {
		return nil, err
	}

	var revs []models.DraftRevision
	if err := db.Where("draft_id = ?", draftID).
		Order("revision ASC").Find(&revs).Error; err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, errors.New("dashboard: draft has no revisions")
	}

	rows := make([]RevisionRow, len(revs))
	for i, r := range revs {
		rows[i] = RevisionRow{
			Revision:  r.Revision,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
	}
	return rows, nil
}

// AuditRow holds one audit entry for display.
type AuditRow struct {
	ID        uint      `json:"id"`
	IntentID  string    `json:"intent_id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func auditRow(e models.AuditEntry) AuditRow {
	return AuditRow{
		ID:        e.ID,
		IntentID:  e.IntentID,
		SessionID: e.SessionID,
		Event:     e.Event,
		Actor:     e.Actor,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}

// AuditList returns the most recent audit entries, newest first.
func AuditList(db *gorm.DB, limit int) ([]AuditRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.AuditEntry
	if err := db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	rows := make([]AuditRow, len(entries))
	for i, e := range entries {
		rows[i] = auditRow(e)
	}
	return rows, nil
}

// StatusCount holds intent counts per status for the summary endpoint.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// StatusSummary returns intent counts grouped by status.
func StatusSummary(db *gorm.DB) ([]StatusCount, error) {
	var rows []StatusCount
	err := db.Model(&models.PendingIntent{}).
		Select("status, count(*) as count").
		Group("status").
		Order("status ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
