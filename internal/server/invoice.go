package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
)

func (s *Server) ChargeInvoice(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req paymentdomain.CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.InvoiceID = id

	tx, err := s.paymentSvc.CreateCharge(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": tx})
}

func (s *Server) ListInvoicePayments(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if _, err := s.invoiceSvc.GetByID(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	txs, err := s.paymentSvc.ListByInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if txs == nil {
		txs = []paymentdomain.PaymentTransaction{}
	}

	c.JSON(http.StatusOK, gin.H{"data": txs})
}
