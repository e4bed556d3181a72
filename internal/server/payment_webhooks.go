package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	reconciledomain "github.com/smallbiznis/tenantbilling/internal/reconcile/domain"
	"go.uber.org/zap"
)

const (
	webhookMaxRetries   = 3
	webhookRetryBackoff = 50 * time.Millisecond
)

// HandlePaymentWebhook acknowledges every callback whose signature checks
// out so gateways stop redelivering. Only a bad signature is rejected.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	gateway := strings.ToLower(strings.TrimSpace(c.Param("gateway")))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.reconcileWithRetry(c.Request.Context(), gateway, payload, c.Request.Header)
	if err != nil {
		if errs.Is(err, errs.ErrInvalidSignature) {
			AbortWithError(c, err)
			return
		}
		s.log.Warn("payment webhook not applied",
			zap.String("gateway", gateway),
			zap.Error(err),
		)
		_, code := classifyErrorForLog(err)
		c.JSON(http.StatusOK, gin.H{"data": reconciledomain.Result{
			Outcome: reconciledomain.OutcomeIgnored,
			Gateway: gateway,
			Reason:  code,
		}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// reconcileWithRetry replays a callback that lost an optimistic version race.
func (s *Server) reconcileWithRetry(ctx context.Context, gateway string, payload []byte, headers http.Header) (reconciledomain.Result, error) {
	var result reconciledomain.Result
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(webhookRetryBackoff), webhookMaxRetries),
		ctx,
	)
	err := backoff.Retry(func() error {
		var err error
		result, err = s.reconcileSvc.Reconcile(ctx, gateway, payload, headers)
		if err == nil {
			return nil
		}
		if errs.Is(err, errs.ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	return result, err
}
