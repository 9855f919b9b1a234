package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	callbackdomain "github.com/soundloom/tunesmith/internal/callback/domain"
)

// Callback handlers acknowledge with 200 for every outcome the ingestor
// handled, including unknown tasks and stale stages; the provider treats
// anything else as "retry later". Only a failed durable write earns a 5xx.

func (s *Server) HandleMusicCallback(c *gin.Context) {
	var cb callbackdomain.MusicCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		// Malformed payloads cannot be retried into shape; ack and drop.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := s.callbacks.HandleMusic(c.Request.Context(), cb); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) HandleCoverCallback(c *gin.Context) {
	var cb callbackdomain.CoverCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := s.callbacks.HandleCover(c.Request.Context(), cb); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) HandleLyricsCallback(c *gin.Context) {
	var cb callbackdomain.LyricsCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := s.callbacks.HandleLyrics(c.Request.Context(), cb); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
