package phlowgin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phlow-auth/phlow-go/pkg/phlow"
)

// WellKnownPath is the agent discovery endpoint.
const WellKnownPath = "/.well-known/agent.json"

// WellKnown serves the local agent's card as a discovery document.
// The endpoint is read-only and unauthenticated.
func WellKnown(p *phlow.Phlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Card().WellKnown())
	}
}
