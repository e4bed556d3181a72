package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
)

type createSubscriptionRequest struct {
	OrgID           string                             `json:"orgId"`
	Tier            string                             `json:"tier"`
	BillingCycle    string                             `json:"billingCycle"`
	DiscountPercent decimal.Decimal                    `json:"discountPercent"`
	DiscountEndDate string                             `json:"discountEndDate"`
	InitialPayment  *subscriptiondomain.InitialPayment `json:"initialPayment"`
}

type changeSubscriptionRequest struct {
	NewTier         string `json:"newTier"`
	NewBillingCycle string `json:"newBillingCycle"`
	EffectiveDate   string `json:"effectiveDate"`
	ProrationOption string `json:"prorationOption"`
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID, err := parseSnowflakeParam(req.OrgID, "orgId")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	tier, err := catalogdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, newValidationError("tier", "invalid_tier", "invalid tier"))
		return
	}
	cycle := catalogdomain.BillingCycleMonthly
	if strings.TrimSpace(req.BillingCycle) != "" {
		cycle, err = catalogdomain.ParseBillingCycle(req.BillingCycle)
		if err != nil {
			AbortWithError(c, newValidationError("billingCycle", "invalid_billing_cycle", "invalid billingCycle"))
			return
		}
	}
	discountEnd, err := parseOptionalTime(req.DiscountEndDate)
	if err != nil {
		AbortWithError(c, newValidationError("discountEndDate", "invalid_discount_end_date", "invalid discountEndDate"))
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		OrgID:           orgID,
		Tier:            tier,
		BillingCycle:    cycle,
		DiscountPercent: req.DiscountPercent,
		DiscountEndDate: discountEnd,
		InitialPayment:  req.InitialPayment,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ChangeSubscription(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changeSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tier, err := catalogdomain.ParseTier(req.NewTier)
	if err != nil {
		AbortWithError(c, newValidationError("newTier", "invalid_tier", "invalid newTier"))
		return
	}
	var cycle *catalogdomain.BillingCycle
	if strings.TrimSpace(req.NewBillingCycle) != "" {
		parsed, err := catalogdomain.ParseBillingCycle(req.NewBillingCycle)
		if err != nil {
			AbortWithError(c, newValidationError("newBillingCycle", "invalid_billing_cycle", "invalid newBillingCycle"))
			return
		}
		cycle = &parsed
	}
	effective, err := parseOptionalTime(req.EffectiveDate)
	if err != nil {
		AbortWithError(c, newValidationError("effectiveDate", "invalid_effective_date", "invalid effectiveDate"))
		return
	}
	option, err := subscriptiondomain.ParseProrationOption(req.ProrationOption)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Change(c.Request.Context(), subscriptiondomain.ChangeRequest{
		SubscriptionID:  id,
		NewTier:         tier,
		NewBillingCycle: cycle,
		EffectiveDate:   effective,
		ProrationOption: option,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if _, err := s.subscriptionSvc.GetByID(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	invoices, err := s.invoiceSvc.ListBySubscription(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if invoices == nil {
		invoices = []invoicedomain.Invoice{}
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) CreateManualInvoice(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req invoicedomain.ManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = id

	inv, err := s.invoiceSvc.CreateManual(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": inv})
}
