// Package draft implements the append-only revision store for mutable
// action payloads.
package draft

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pcavalcanti/despacho/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no draft exists for the given ID.
var ErrNotFound = errors.New("draft not found")

// Store provides durable, append-only revision tracking for drafts.
// Concurrent Revise calls on one draft are serialized by the store; a
// revision number is never reused and no revision is ever overwritten.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("draft: store: db is required")
	}
	return &Store{db: db}, nil
}

// Create persists a new draft with the given content as revision 1.
func (s *Store) Create(sessionID, kind, content string) (*models.Draft, error) {
	d := models.Draft{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Status:    models.DraftOpen,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return fmt.Errorf("create draft: %w", err)
		}
		rev := models.DraftRevision{
			DraftID:  d.ID,
			Revision: 1,
			Content:  content,
		}
		if err := tx.Create(&rev).Error; err != nil {
			return fmt.Errorf("create first revision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}
	return &d, nil
}

// Get returns the draft with the given ID.
func (s *Store) Get(draftID string) (*models.Draft, error) {
	var d models.Draft
	result := s.db.First(&d, "id = ?", draftID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("draft: get %s: %w", draftID, ErrNotFound)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("draft: get %s: %w", draftID, result.Error)
	}
	return &d, nil
}

// reviseAttempts bounds the optimistic-insert retry loop in Revise.
const reviseAttempts = 5

// Revise appends a new revision with revision = max(existing)+1 and returns
// the new revision number. The (draft_id, revision) primary key is the
// synchronization primitive: two writers that read the same max collide on
// insert, and the loser re-reads and retries. A revision number is never
// reused and no revision is overwritten.
func (s *Store) Revise(draftID, content string) (int, error) {
	if _, err := s.Get(draftID); err != nil {
		return 0, err
	}

	var lastErr error
	for range reviseAttempts {
		var maxRev int
		if err := s.db.Model(&models.DraftRevision{}).
			Where("draft_id = ?", draftID).
			Select("COALESCE(MAX(revision), 0)").Scan(&maxRev).Error; err != nil {
			return 0, fmt.Errorf("draft: revise %s: max revision: %w", draftID, err)
		}

		next := maxRev + 1
		rev := models.DraftRevision{
			DraftID:  draftID,
			Revision: next,
			Content:  content,
		}
		err := s.db.Create(&rev).Error
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, fmt.Errorf("draft: revise %s: append revision %d: %w", draftID, next, err)
		}
		// Lost the race for this number; re-read the max and try again.
		lastErr = err
	}
	return 0, fmt.Errorf("draft: revise %s: contention persisted: %w", draftID, lastErr)
}

// GetLatest returns the highest revision of a draft.
func (s *Store) GetLatest(draftID string) (*models.DraftRevision, error) {
	var rev models.DraftRevision
	result := s.db.Where("draft_id = ?", draftID).
		Order("revision DESC").
		First(&rev)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("draft: latest of %s: %w", draftID, ErrNotFound)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("draft: latest of %s: %w", draftID, result.Error)
	}
	return &rev, nil
}

// History returns all revisions of a draft, oldest first.
func (s *Store) History(draftID string) ([]models.DraftRevision, error) {
	var revs []models.DraftRevision
	result := s.db.Where("draft_id = ?", draftID).
		Order("revision ASC").
		Find(&revs)
	if result.Error != nil {
		return nil, fmt.Errorf("draft: history of %s: %w", draftID, result.Error)
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("draft: history of %s: %w", draftID, ErrNotFound)
	}
	return revs, nil
}

// MarkSent flips the draft to sent after its action has executed. Marking
// an already-sent draft is a no-op.
func (s *Store) MarkSent(draftID string) error {
	if _, err := s.Get(draftID); err != nil {
		return err
	}
	result := s.db.Model(&models.Draft{}).
		Where("id = ? AND status <> ?", draftID, models.DraftSent).
		Update("status", models.DraftSent)
	if result.Error != nil {
		return fmt.Errorf("draft: mark sent %s: %w", draftID, result.Error)
	}
	return nil
}
