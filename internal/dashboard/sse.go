package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pcavalcanti/despacho/internal/models"
)

// handleSSE streams new audit entries to the client as they appear. The
// stream is poll-based: the audit trail is append-only with a monotonic
// ID, so a "rows with id greater than last seen" query is a complete
// change feed.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only stream entries that appear after the client connects.
		var lastSeenID uint
		var latest models.AuditEntry
		if err := db.Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(3 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var entries []models.AuditEntry
				db.Where("id > ?", lastSeenID).Order("id ASC").Find(&entries)
				if len(entries) == 0 {
					continue
				}
				lastSeenID = entries[len(entries)-1].ID
				for _, e := range entries {
					writeSSE(c.Writer, "audit", auditRow(e))
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
