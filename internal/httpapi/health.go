package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// healthDB handles GET /health/db.
func (a *api) healthDB(c *gin.Context) {
	if err := dbPing(c.Request.Context(), a.DB); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// healthQueue handles GET /health/queue.
func (a *api) healthQueue(c *gin.Context) {
	if err := redisPing(c.Request.Context(), a.Redis); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
