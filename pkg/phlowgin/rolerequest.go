package phlowgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/pkg/roleexchange"
)

// RoleRequestHandler answers POST /phlow/role-request: peers asking the
// local agent to prove a role. Transport-level problems are HTTP
// errors; protocol-level refusals travel inside the RoleResponse with
// the nonce echoed.
func RoleRequestHandler(responder *roleexchange.Responder, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req roleexchange.RoleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Debug("undecodable role request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role request body"})
			return
		}
		if req.Nonce == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role request missing nonce"})
			return
		}
		c.JSON(http.StatusOK, responder.HandleRoleRequest(c.Request.Context(), &req))
	}
}
