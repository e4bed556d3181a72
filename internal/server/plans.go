package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
)

func (s *Server) ListPlans(c *gin.Context) {
	cycle := catalogdomain.BillingCycleMonthly
	if raw := strings.TrimSpace(c.Query("billing_cycle")); raw != "" {
		parsed, err := catalogdomain.ParseBillingCycle(raw)
		if err != nil {
			AbortWithError(c, newValidationError("billing_cycle", "invalid_billing_cycle", "invalid billing_cycle"))
			return
		}
		cycle = parsed
	}

	plans, err := s.catalogSvc.GetAllPlans(c.Request.Context(), cycle)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) CalculateProration(c *gin.Context) {
	var req struct {
		CurrentTier   string `json:"currentTier"`
		NewTier       string `json:"newTier"`
		BillingCycle  string `json:"billingCycle"`
		DaysRemaining int    `json:"daysRemaining"`
		TotalDays     int    `json:"totalDays"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	currentTier, err := catalogdomain.ParseTier(req.CurrentTier)
	if err != nil {
		AbortWithError(c, newValidationError("currentTier", "invalid_tier", "invalid currentTier"))
		return
	}
	newTier, err := catalogdomain.ParseTier(req.NewTier)
	if err != nil {
		AbortWithError(c, newValidationError("newTier", "invalid_tier", "invalid newTier"))
		return
	}
	cycle, err := catalogdomain.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		AbortWithError(c, newValidationError("billingCycle", "invalid_billing_cycle", "invalid billingCycle"))
		return
	}

	resp, err := s.catalogSvc.CalculateProration(c.Request.Context(), catalogdomain.ProrationRequest{
		CurrentTier:   currentTier,
		NewTier:       newTier,
		BillingCycle:  cycle,
		DaysRemaining: req.DaysRemaining,
		TotalDays:     req.TotalDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
