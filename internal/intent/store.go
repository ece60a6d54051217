// Package intent implements the durable store for pending intents.
//
// A pending intent is a proposed side-effecting action awaiting user
// confirmation. Status transitions are one-way and every mutation goes
// through a conditional UPDATE; the store never relies on an in-process
// lock, so any number of gateway replicas can share one database.
package intent

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pcavalcanti/despacho/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL is the proposal lifetime used when the caller passes none.
const DefaultTTL = 2 * time.Hour

// maxPreviewLen bounds the stored human-readable preview. The preview is
// display-only; the authoritative payload is always the Args snapshot.
const maxPreviewLen = 200

var (
	// ErrNotFound is returned when no intent exists for the given ID.
	ErrNotFound = errors.New("intent not found")
	// ErrInvalidTransition is returned when a status change would move
	// backward or skip the executing state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store provides durable CRUD and atomic state transitions for pending
// intents.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("intent: store: db is required")
	}
	return &Store{db: db}, nil
}

// CreateParams holds the fields of a new proposal.
type CreateParams struct {
	SessionID  string
	ActionType string
	ToolName   string
	Args       string // canonical JSON, see NormalizeArgs
	Preview    string
	DraftID    *string
	TTL        time.Duration
}

// Create persists a new pending intent. Creation is idempotent within the
// TTL window: if an unexpired pending intent with the same session and
// payload hash already exists, that intent is returned with created=false
// instead of a duplicate.
func (s *Store) Create(p CreateParams) (in *models.PendingIntent, created bool, err error) {
	if p.SessionID == "" {
		return nil, false, fmt.Errorf("intent: create: session id is required")
	}
	if p.ToolName == "" {
		return nil, false, fmt.Errorf("intent: create: tool name is required")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	hash := PayloadHash(p.ToolName, p.Args)

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.PendingIntent
		result := tx.Where("session_id = ? AND payload_hash = ? AND status = ? AND expires_at > ?",
			p.SessionID, hash, models.IntentPending, time.Now()).
			First(&existing)
		if result.Error == nil {
			in = &existing
			return nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check duplicate proposal: %w", result.Error)
		}

		fresh := models.PendingIntent{
			ID:          uuid.NewString(),
			SessionID:   p.SessionID,
			ActionType:  p.ActionType,
			ToolName:    p.ToolName,
			Args:        p.Args,
			PayloadHash: hash,
			Preview:     truncatePreview(p.Preview),
			DraftID:     p.DraftID,
			Status:      models.IntentPending,
			ExpiresAt:   time.Now().Add(ttl),
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return fmt.Errorf("create intent: %w", err)
		}
		in = &fresh
		created = true
		return nil
	})
	if txErr != nil {
		return nil, false, fmt.Errorf("intent: %w", txErr)
	}
	return in, created, nil
}

// AttachDraft binds a draft to a still-pending intent. Used when a proposal
// carries mutable content that is stored as a draft after the idempotency
// check decided a new intent was needed.
func (s *Store) AttachDraft(intentID, draftID string) error {
	result := s.db.Model(&models.PendingIntent{}).
		Where("id = ? AND status = ?", intentID, models.IntentPending).
		Update("draft_id", draftID)
	if result.Error != nil {
		return fmt.Errorf("intent: attach draft to %s: %w", intentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("intent: attach draft to %s: %w", intentID, ErrInvalidTransition)
	}
	return nil
}

// Get returns the intent with the given ID.
func (s *Store) Get(intentID string) (*models.PendingIntent, error) {
	var in models.PendingIntent
	result := s.db.First(&in, "id = ?", intentID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("intent: get %s: %w", intentID, ErrNotFound)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("intent: get %s: %w", intentID, result.Error)
	}
	return &in, nil
}

// ListPending returns the session's pending intents, oldest first. Intents
// whose expiry has passed are lazily transitioned to expired as a side
// effect and excluded from the result.
func (s *Store) ListPending(sessionID string) ([]models.PendingIntent, error) {
	var pending []models.PendingIntent
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&models.PendingIntent{}).
			Where("session_id = ? AND status = ? AND expires_at <= ?",
				sessionID, models.IntentPending, now).
			Update("status", models.IntentExpired).Error; err != nil {
			return fmt.Errorf("expire stale intents: %w", err)
		}
		if err := tx.Where("session_id = ? AND status = ?", sessionID, models.IntentPending).
			Order("created_at ASC").
			Find(&pending).Error; err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("intent: %w", err)
	}
	return pending, nil
}

// Latest returns the most recently created intent for a session regardless
// of status, or ErrNotFound if the session has none.
func (s *Store) Latest(sessionID string) (*models.PendingIntent, error) {
	var in models.PendingIntent
	result := s.db.Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&in)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("intent: latest for %s: %w", sessionID, ErrNotFound)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("intent: latest for %s: %w", sessionID, result.Error)
	}
	return &in, nil
}

// TryLockExecuting atomically moves the intent from pending to executing.
// The conditional UPDATE is the sole synchronization primitive: of N
// concurrent callers exactly the one whose write changed a row gets true.
// Expired-but-unswept rows cannot be locked.
func (s *Store) TryLockExecuting(intentID string) (bool, error) {
	result := s.db.Model(&models.PendingIntent{}).
		Where("id = ? AND status = ? AND expires_at > ?",
			intentID, models.IntentPending, time.Now()).
		Update("status", models.IntentExecuting)
	if result.Error != nil {
		return false, fmt.Errorf("intent: lock %s: %w", intentID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkExecuted moves the intent from executing to executed. Only the caller
// that previously won TryLockExecuting can hold an intent in executing, so
// a zero-row update means the transition is invalid.
func (s *Store) MarkExecuted(intentID string) error {
	now := time.Now()
	result := s.db.Model(&models.PendingIntent{}).
		Where("id = ? AND status = ?", intentID, models.IntentExecuting).
		Updates(map[string]interface{}{
			"status":      models.IntentExecuted,
			"executed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("intent: mark executed %s: %w", intentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("intent: mark executed %s: %w", intentID, ErrInvalidTransition)
	}
	return nil
}

// MarkCancelled moves the intent from pending to cancelled.
func (s *Store) MarkCancelled(intentID string) error {
	result := s.db.Model(&models.PendingIntent{}).
		Where("id = ? AND status = ?", intentID, models.IntentPending).
		Update("status", models.IntentCancelled)
	if result.Error != nil {
		return fmt.Errorf("intent: mark cancelled %s: %w", intentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("intent: mark cancelled %s: %w", intentID, ErrInvalidTransition)
	}
	return nil
}

// PurgeExpired converts all stale pending intents past their expiry into
// expired, across every session. Returns the number of rows swept.
func (s *Store) PurgeExpired() (int64, error) {
	result := s.db.Model(&models.PendingIntent{}).
		Where("status = ? AND expires_at <= ?", models.IntentPending, time.Now()).
		Update("status", models.IntentExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("intent: purge expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteTerminal removes executed, expired and cancelled intents older than
// the retention window. Rows inside the window are kept for audit.
func (s *Store) DeleteTerminal(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := s.db.Where("status IN ? AND updated_at < ?",
		[]string{models.IntentExecuted, models.IntentExpired, models.IntentCancelled}, cutoff).
		Delete(&models.PendingIntent{})
	if result.Error != nil {
		return 0, fmt.Errorf("intent: delete terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListStuck returns intents that have sat in executing longer than the
// given threshold. A caller crash between lock and MarkExecuted leaves the
// intent here; the report feeds an out-of-band reconciliation review.
func (s *Store) ListStuck(olderThan time.Duration) ([]models.PendingIntent, error) {
	cutoff := time.Now().Add(-olderThan)
	var stuck []models.PendingIntent
	result := s.db.Where("status = ? AND updated_at < ?", models.IntentExecuting, cutoff).
		Order("updated_at ASC").
		Find(&stuck)
	if result.Error != nil {
		return nil, fmt.Errorf("intent: list stuck: %w", result.Error)
	}
	return stuck, nil
}

// truncatePreview clamps a preview string to the stored bound, backing up
// to a rune boundary so the stored preview stays valid UTF-8.
func truncatePreview(s string) string {
	if len(s) <= maxPreviewLen {
		return s
	}
	cut := maxPreviewLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
