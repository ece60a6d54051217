package gateway

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/models"
)

// BuildDigest summarizes the last window of activity: executed, cancelled
// and expired actions, plus any intents still waiting on a confirmation.
// It returns "" when there was no activity and nothing is pending, so a
// quiet day produces no chat noise.
func BuildDigest(db *gorm.DB, window time.Duration) (string, error) {
	since := time.Now().Add(-window)

	type row struct {
		Event string
		N     int64
	}
	var rows []row
	err := db.Model(&models.AuditEntry{}).
		Select("event, count(*) as n").
		Where("created_at > ?", since).
		Group("event").
		Order("event").
		Scan(&rows).Error
	if err != nil {
		return "", fmt.Errorf("gateway: digest: %w", err)
	}

	var open []models.PendingIntent
	err = db.Where("status IN ?", []string{models.IntentPending, models.IntentExecuting}).
		Order("created_at ASC").
		Limit(10).
		Find(&open).Error
	if err != nil {
		return "", fmt.Errorf("gateway: digest: %w", err)
	}

	if len(rows) == 0 && len(open) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("**Despacho daily digest**\n")
	if len(rows) > 0 {
		counts := make([]string, 0, len(rows))
		for _, r := range rows {
			counts = append(counts, fmt.Sprintf("%s %d", r.Event, r.N))
		}
		b.WriteString("Last 24h: " + strings.Join(counts, ", ") + "\n")
	}
	if len(open) > 0 {
		b.WriteString(fmt.Sprintf("Awaiting confirmation (%d):\n", len(open)))
		for _, in := range open {
			age := time.Since(in.CreatedAt).Round(time.Minute)
			b.WriteString(fmt.Sprintf("- [%s] %s (%s, open %s)\n",
				in.ActionType, in.Preview, in.Status, age))
		}
	}
	return b.String(), nil
}
