package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB) {
	router.GET("/api/status", handleStatus(db))
	router.GET("/api/intents", handleIntentList(db))
	router.GET("/api/intents/:id", handleIntentDetail(db))
	router.GET("/api/drafts/:id/revisions", handleDraftRevisions(db))
	router.GET("/api/audit", handleAuditList(db))
	router.GET("/api/events", handleSSE(db))
}

func handleStatus(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := StatusSummary(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"statuses": counts})
	}
}

func handleIntentList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err := IntentList(db, c.Query("status"), c.Query("session"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"intents": rows})
	}
}

func handleIntentDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := IntentByID(db, c.Param("id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

func handleDraftRevisions(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := DraftRevisions(db, c.Param("id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revisions": rows})
	}
}

func handleAuditList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err := AuditList(db, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": rows})
	}
}
