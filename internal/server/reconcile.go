package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunReconciliation triggers a storage reconciliation pass outside the
// schedule. Deletion stays governed by the configured delete mode.
func (s *Server) RunReconciliation(c *gin.Context) {
	report, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
