package models

import "time"

// Audit event values.
const (
	AuditProposed  = "proposed"
	AuditRevised   = "revised"
	AuditConfirmed = "confirmed"
	AuditCancelled = "cancelled"
	AuditExecuted  = "executed"
	AuditFailed    = "failed"
	AuditExpired   = "expired"
)

// AuditEntry records one lifecycle event of an intent or draft. The trail
// is append-only and outlives the intents it describes.
type AuditEntry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	IntentID  string `gorm:"size:36;index"`
	SessionID string `gorm:"size:128;index"`
	Event     string `gorm:"size:16;not null;index"`
	Actor     string `gorm:"size:64"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}
