package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avetel/proplens/internal/pipeline"
	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/pkg/models"
)

type startAnalysisRequest struct {
	DocumentText string `json:"documentText"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	StageDelayMs int    `json:"stageDelayMs"`
}

func (s *Server) handleStartAnalysis(c *gin.Context) {
	var req startAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	opts := models.AnalysisOptions{
		Title:        req.Title,
		Model:        req.Model,
		StageDelayMs: req.StageDelayMs,
	}

	id, err := s.supervisor.Start(s.base, req.DocumentText, opts)
	switch {
	case errors.Is(err, pipeline.ErrEmptyDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("failed to start analysis", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sessionId": id})
}

func (s *Server) handleProgress(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":   sess.ID,
		"status":      sess.Status,
		"stage":       sess.Stage,
		"progress":    sess.Progress,
		"message":     sess.Message,
		"timeElapsed": time.Since(sess.StartedAt).Round(time.Millisecond).String(),
	})
}

func (s *Server) handleResult(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	switch sess.Status {
	case models.StatusCompleted:
		c.JSON(http.StatusOK, gin.H{"result": sess.Result})
	case models.StatusFailed:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "analysis failed",
			"detail": sess.Error,
		})
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":    "analysis not finished",
			"status":   sess.Status,
			"progress": sess.Progress,
		})
	}
}

// lookup resolves the :id path parameter to a session snapshot, writing the
// 404 itself when the session is unknown.
func (s *Server) lookup(c *gin.Context) (*models.AnalysisSession, bool) {
	id := c.Param("id")
	sess, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		} else {
			s.logger.Error("session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return nil, false
	}
	return sess, true
}
