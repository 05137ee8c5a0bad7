package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/logger"
)

// writeError renders err using the apperr taxonomy's HTTP mapping
// (spec §7 "Propagation policy"). Anything that isn't an *apperr.Error is
// treated as Internal: logged with context, never surfaced with detail.
func writeError(c *gin.Context, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		logger.L().Error(c.Request.Context(), "unhandled internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if ae.Kind == apperr.KindInternal {
		logger.L().Error(c.Request.Context(), "internal error", zap.Error(ae))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(ae.HTTPStatus(), gin.H{"error": ae.Message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
