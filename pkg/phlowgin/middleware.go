// Package phlowgin adapts the authentication core to gin: auth
// middleware, the agent discovery endpoint, the role-request endpoint
// and a per-IP edge limiter.
package phlowgin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/pkg/phlow"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// AgentIDHeader carries the calling agent's id. Header lookup is
// case-insensitive per HTTP.
const AgentIDHeader = "X-Phlow-Agent-Id"

const authContextKey = "phlow.authContext"

// AuthContext returns the AuthContext stored by Middleware, or nil on
// unauthenticated requests.
func AuthContext(c *gin.Context) *phlow.AuthContext {
	v, ok := c.Get(authContextKey)
	if !ok {
		return nil
	}
	authCtx, _ := v.(*phlow.AuthContext)
	return authCtx
}

// Middleware authenticates every request through the pipeline and
// aborts with the mapped status on failure. opts apply to all routes
// behind the middleware; use separate groups for different role or
// permission requirements.
func Middleware(p *phlow.Phlow, opts phlow.AuthOptions, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   string(phlowerr.TokenMalformed),
				"message": "missing or malformed Authorization header",
			})
			c.Abort()
			return
		}
		agentID := c.GetHeader(AgentIDHeader)
		if agentID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   string(phlowerr.AgentUnknown),
				"message": "missing " + AgentIDHeader + " header",
			})
			c.Abort()
			return
		}

		authCtx, err := p.Authenticate(c.Request.Context(), tokenStr, agentID, opts)
		if err != nil {
			kind := phlowerr.KindOf(err)
			status := phlowerr.HTTPStatus(kind)
			if status >= 500 {
				logger.Error("authentication infrastructure failure",
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
			}
			c.JSON(status, gin.H{
				"error":   string(kind),
				"message": err.Error(),
			})
			c.Abort()
			return
		}

		c.Header("X-Request-Id", authCtx.RequestID)
		c.Set(authContextKey, authCtx)
		c.Next()
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x"
// value. The scheme comparison is case-insensitive.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}
