package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// Health serves GET /collab/healthz. Every check must pass within a second.
func Health(nodeID string, checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		failed := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "node": nodeID, "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeID})
	}
}
