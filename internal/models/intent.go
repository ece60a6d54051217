package models

import "time"

// Intent status values. Transitions are one-way:
// pending→executing→executed, pending→expired, pending→cancelled.
const (
	IntentPending   = "pending"
	IntentExecuting = "executing"
	IntentExecuted  = "executed"
	IntentExpired   = "expired"
	IntentCancelled = "cancelled"
)

// PendingIntent is a persisted, not-yet-executed proposal for a
// side-effecting action. The Args snapshot is immutable once created;
// draft-backed actions evolve through DraftRevision instead.
type PendingIntent struct {
	ID          string  `gorm:"primaryKey;size:36"`
	SessionID   string  `gorm:"size:128;not null;index:idx_session_status"`
	ActionType  string  `gorm:"size:64;not null"`
	ToolName    string  `gorm:"size:64;not null"`
	Args        string  `gorm:"type:text;not null"` // canonical JSON snapshot
	PayloadHash string  `gorm:"size:64;index"`
	Preview     string  `gorm:"size:255"`
	DraftID     *string `gorm:"size:36"`
	Status      string  `gorm:"size:16;default:pending;index:idx_session_status"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
	ExecutedAt  *time.Time
}

// Terminal reports whether the intent can no longer change status.
func (i *PendingIntent) Terminal() bool {
	switch i.Status {
	case IntentExecuted, IntentExpired, IntentCancelled:
		return true
	}
	return false
}
