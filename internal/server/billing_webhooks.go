package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
)

const billingSignatureHeader = "X-Webhook-Signature"

func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidEvent)
		return
	}

	signature := c.GetHeader(billingSignatureHeader)
	if err := s.billing.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
