package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	orchdomain "github.com/soundloom/tunesmith/internal/orchestrator/domain"
)

type startMusicRequest struct {
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	Style          string `json:"style"`
	Model          string `json:"model"`
	Instrumental   bool   `json:"instrumental"`
	AutoCover      bool   `json:"autoCover"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type startLyricsRequest struct {
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) StartGeneration(c *gin.Context) {
	accountID, ok := accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startMusicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, orchdomain.ErrInvalidRequest)
		return
	}

	result, err := s.orchestrator.StartGeneration(c.Request.Context(), orchdomain.StartMusicRequest{
		AccountID:      accountID,
		Title:          req.Title,
		Prompt:         req.Prompt,
		Style:          req.Style,
		Model:          req.Model,
		Instrumental:   req.Instrumental,
		AutoCover:      req.AutoCover,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) StartLyrics(c *gin.Context) {
	accountID, ok := accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startLyricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, orchdomain.ErrInvalidRequest)
		return
	}

	result, err := s.orchestrator.StartLyrics(c.Request.Context(), orchdomain.StartLyricsRequest{
		AccountID:      accountID,
		Prompt:         req.Prompt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) StartCover(c *gin.Context) {
	accountID, ok := accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.orchestrator.StartCover(c.Request.Context(), accountID, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) GetTask(c *gin.Context) {
	status, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) GetCredits(c *gin.Context) {
	accountID, ok := accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.orchestrator.Balance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}
