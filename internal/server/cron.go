package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
)

const cronSecretHeader = "X-Cron-Secret"

// RunDailyCron lets an external cron trigger the daily sweep. The route is
// hidden unless a shared secret is configured.
func (s *Server) RunDailyCron(c *gin.Context) {
	secret := strings.TrimSpace(s.cfg.CronSharedSecret)
	if secret == "" || s.scheduler == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	provided := strings.TrimSpace(c.GetHeader(cronSecretHeader))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	report, err := s.scheduler.RunDaily(c.Request.Context())
	if err != nil {
		if errs.Is(err, scheduler.ErrRunInProgress) {
			AbortWithError(c, err)
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"data": report, "error": errorPayload{
			Type:    "job_failed",
			Message: err.Error(),
		}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
