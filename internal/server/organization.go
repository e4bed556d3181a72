package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type trackUsageRequest struct {
	Metric    string `json:"metric" binding:"required"`
	Increment *int64 `json:"increment"`
}

type setUsageRequest struct {
	Value int64 `json:"value"`
}

func (s *Server) GetOrganizationSubscription(c *gin.Context) {
	orgID, err := parseSnowflakeParam(c.Param("org_id"), "org_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	overview, err := s.overviewSvc.GetSubscriptionWithUsage(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}

func (s *Server) GetUsage(c *gin.Context) {
	orgID, err := parseSnowflakeParam(c.Param("org_id"), "org_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.usageSvc.GetUsage(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usage})
}

func (s *Server) CheckUsageLimits(c *gin.Context) {
	orgID, err := parseSnowflakeParam(c.Param("org_id"), "org_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.usageSvc.CheckUsageLimits(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// TrackUsage defaults a missing increment to 1.
func (s *Server) TrackUsage(c *gin.Context) {
	orgID, err := parseSnowflakeParam(c.Param("org_id"), "org_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req trackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	increment := int64(1)
	if req.Increment != nil {
		increment = *req.Increment
	}

	value, err := s.usageSvc.TrackUsage(c.Request.Context(), orgID, req.Metric, increment)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"metric": req.Metric, "value": value}})
}

func (s *Server) SetUsage(c *gin.Context) {
	orgID, err := parseSnowflakeParam(c.Param("org_id"), "org_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	metric := c.Param("metric")
	if err := s.usageSvc.SetUsage(c.Request.Context(), orgID, metric, req.Value); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"metric": metric, "value": req.Value}})
}
