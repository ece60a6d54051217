package models

import "time"

// Draft status values.
const (
	DraftOpen  = "draft"
	DraftReady = "ready_to_send"
	DraftSent  = "sent"
)

// Draft is a mutable action payload (e.g. an email body) tracked as an
// append-only sequence of revisions.
type Draft struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:128;index"`
	Kind      string `gorm:"size:32"` // e.g. "email", "declaration"
	Status    string `gorm:"size:16;default:draft"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Revisions []DraftRevision `gorm:"foreignKey:DraftID"`
}

// DraftRevision is one immutable version of a draft's content. Revisions
// start at 1 and only ever grow; none is updated or deleted.
type DraftRevision struct {
	DraftID   string `gorm:"primaryKey;size:36"`
	Revision  int    `gorm:"primaryKey"`
	Content   string `gorm:"type:mediumtext;not null"`
	CreatedAt time.Time

	Draft Draft `gorm:"foreignKey:DraftID"`
}
