package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	billingoverviewservice "github.com/smallbiznis/tenantbilling/internal/billingoverview/service"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/tripay"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	reconcileservice "github.com/smallbiznis/tenantbilling/internal/reconcile/service"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/testutil/billingtest"
	"github.com/smallbiznis/tenantbilling/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCronSecret = "cron-secret"

type stubRunner struct {
	calls int
	err   error
}

func (r *stubRunner) RunDaily(context.Context) (scheduler.Report, error) {
	r.calls++
	return scheduler.Report{RunID: "run-1", Processed: 3}, r.err
}

type testServer struct {
	env    *billingtest.Env
	server *Server
	runner *stubRunner
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := billingtest.New(t)
	cfg := env.Cfg
	cfg.CronSharedSecret = testCronSecret

	reconcileSvc := reconcileservice.NewService(reconcileservice.Params{
		DB:            env.DB,
		Log:           env.Log,
		Clock:         env.Clock,
		Registry:      env.Registry,
		Payments:      env.PaymentRepo,
		InvoiceRepo:   env.InvoiceRepo,
		Invoices:      env.Invoices,
		Subscriptions: env.Subscriptions,
		Notifications: env.Notifications,
	})
	overviewSvc := billingoverviewservice.NewService(billingoverviewservice.Params{
		Log:           env.Log,
		Clock:         env.Clock,
		Subscriptions: env.Subscriptions,
		Catalog:       env.Catalog,
		Usage:         env.Usage,
		Invoices:      env.Invoices,
	})

	runner := &stubRunner{}
	srv := newServer(ServerParams{
		Gin:             NewEngine(observability.Config{}),
		Cfg:             cfg,
		Log:             env.Log,
		CatalogSvc:      env.Catalog,
		SubscriptionSvc: env.Subscriptions,
		InvoiceSvc:      env.Invoices,
		PaymentSvc:      env.Payments,
		UsageSvc:        env.Usage,
		OverviewSvc:     overviewSvc,
		ReconcileSvc:    reconcileSvc,
	}, runner)

	return testServer{env: env, server: srv, runner: runner}
}

func (ts testServer) do(t *testing.T, method, path string, body any, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

type subscriptionEnvelope struct {
	Data struct {
		Subscription struct {
			ID     string `json:"id"`
			OrgID  string `json:"orgId"`
			Status string `json:"status"`
			Tier   string `json:"tier"`
		} `json:"subscription"`
		Invoice *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"invoice"`
	} `json:"data"`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListPlans(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/plans?billing_cycle=yearly", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []struct {
			Tier         string `json:"tier"`
			BillingCycle string `json:"billingCycle"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data)
	for _, plan := range resp.Data {
		assert.Equal(t, "YEARLY", plan.BillingCycle)
	}

	rec = ts.do(t, http.MethodGet, "/api/plans?billing_cycle=weekly", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "billing_cycle", payload.Errors[0].Field)
}

func TestCreateAndGetSubscription(t *testing.T) {
	ts := newTestServer(t)
	orgID := ts.env.Node.Generate().String()

	rec := ts.do(t, http.MethodPost, "/api/subscriptions", gin.H{
		"orgId":        orgID,
		"tier":         "basic",
		"billingCycle": "monthly",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created subscriptionEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, orgID, created.Data.Subscription.OrgID)
	assert.Equal(t, "TRIAL", created.Data.Subscription.Status)
	assert.Equal(t, "BASIC", created.Data.Subscription.Tier)
	require.NotNil(t, created.Data.Invoice)

	rec = ts.do(t, http.MethodGet, "/api/subscriptions/"+created.Data.Subscription.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/subscriptions/"+created.Data.Subscription.ID+"/invoices", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invoices struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &invoices))
	require.Len(t, invoices.Data, 1)
	assert.Equal(t, created.Data.Invoice.ID, invoices.Data[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/organizations/"+orgID+"/subscription", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSubscriptionErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/subscriptions", gin.H{
		"orgId": ts.env.Node.Generate().String(),
		"tier":  "platinum",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tier", decodeError(t, rec).Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/api/subscriptions", []byte(`{"orgId":`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	existing := ts.env.CreateTrial(t, catalogdomain.TierBasic)
	rec = ts.do(t, http.MethodPost, "/api/subscriptions", gin.H{
		"orgId": existing.Subscription.OrgID.String(),
		"tier":  "BASIC",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/subscriptions/"+ts.env.Node.Generate().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/api/subscriptions/not-an-id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSubscription(t *testing.T) {
	ts := newTestServer(t)
	created := ts.env.CreateTrial(t, catalogdomain.TierBasic)

	rec := ts.do(t, http.MethodPost, "/api/subscriptions/"+created.Subscription.ID.String()+"/cancel", gin.H{"reason": "closing"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := ts.env.Subscriptions.GetByID(context.Background(), created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
}

func TestTrackUsage(t *testing.T) {
	ts := newTestServer(t)
	created := ts.env.CreateTrial(t, catalogdomain.TierBasic)
	orgPath := "/api/organizations/" + created.Subscription.OrgID.String()

	rec := ts.do(t, http.MethodPost, orgPath+"/usage", gin.H{"metric": "students", "increment": 5}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, orgPath+"/usage", gin.H{"metric": "students"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tracked struct {
		Data struct {
			Value int64 `json:"value"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tracked))
	assert.Equal(t, int64(6), tracked.Data.Value)

	rec = ts.do(t, http.MethodPost, orgPath+"/usage", gin.H{"metric": "rockets"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, orgPath+"/usage/limits", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits struct {
		Data struct {
			Usage map[string]int64 `json:"usage"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.Equal(t, int64(6), limits.Data.Usage["students"])
}

func tripayWebhook(t *testing.T, charge *paymentdomain.PaymentTransaction, status, key string) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"reference":           "T0001" + charge.GatewayTransactionID,
		"merchant_ref":        charge.GatewayTransactionID,
		"payment_method":      "QRIS by ShopeePay",
		"payment_method_code": "QRIS",
		"total_amount":        charge.Amount,
		"amount_received":     charge.Amount,
		"is_closed_payment":   1,
		"status":              status,
		"paid_at":             billingtest.Start.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(tripay.HeaderSignature, tripay.Sign(string(body), key))
	headers.Set(tripay.HeaderEvent, tripay.EventPayment)
	return body, headers
}

func TestPaymentWebhook(t *testing.T) {
	ts := newTestServer(t)
	created := ts.env.CreateTrial(t, catalogdomain.TierBasic)
	charge := ts.env.SeedCharge(t, created.Invoice, tripay.Name)

	body, headers := tripayWebhook(t, charge, "PAID", "wrong-key")
	rec := ts.do(t, http.MethodPost, "/api/payments/webhooks/tripay", body, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, headers = tripayWebhook(t, charge, "PAID", billingtest.TripayPrivateKey)
	rec = ts.do(t, http.MethodPost, "/api/payments/webhooks/tripay", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data struct {
			Outcome string `json:"outcome"`
			Status  string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "APPLIED", resp.Data.Outcome)
	assert.Equal(t, "SUCCESS", resp.Data.Status)

	rec = ts.do(t, http.MethodPost, "/api/payments/webhooks/tripay", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "DUPLICATE", resp.Data.Outcome)

	sub, err := ts.env.Subscriptions.GetByID(context.Background(), created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
}

func TestPaymentWebhookAcknowledgesUnknownGateway(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/payments/webhooks/paypal", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Outcome string `json:"outcome"`
			Reason  string `json:"reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "IGNORED", resp.Data.Outcome)
	assert.Equal(t, "gateway_not_found", resp.Data.Reason)
}

func TestDailyCron(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/internal/cron/daily", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, ts.runner.calls)

	headers := http.Header{}
	headers.Set(cronSecretHeader, testCronSecret)
	rec = ts.do(t, http.MethodPost, "/internal/cron/daily", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.runner.calls)

	ts.runner.err = scheduler.ErrRunInProgress
	rec = ts.do(t, http.MethodPost, "/internal/cron/daily", nil, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDailyCronHiddenWithoutSecret(t *testing.T) {
	ts := newTestServer(t)
	ts.server.cfg.CronSharedSecret = ""

	headers := http.Header{}
	headers.Set(cronSecretHeader, "")
	rec := ts.do(t, http.MethodPost, "/internal/cron/daily", nil, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, ts.runner.calls)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", errs.New(errs.ErrValidation, "bad_input"), http.StatusBadRequest, "validation_error"},
		{"not found", errs.New(errs.ErrNotFound, "missing"), http.StatusNotFound, "not_found"},
		{"signature", errs.New(errs.ErrInvalidSignature, "bad_sig"), http.StatusUnauthorized, "unauthorized"},
		{"transition", errs.New(errs.ErrInvalidStateTransition, "nope"), http.StatusConflict, "invalid_state_transition"},
		{"conflict", errs.New(errs.ErrConcurrencyConflict, "race"), http.StatusConflict, "conflict"},
		{"gateway", errs.New(errs.ErrGateway, "down"), http.StatusBadGateway, "gateway_error"},
		{"unknown", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.kind, payload.Type)
		})
	}
}

func TestMapErrorCarriesFieldDetails(t *testing.T) {
	err := validation.Struct(struct {
		Name string `json:"name" validate:"required"`
	}{})
	require.Error(t, err)

	status, payload := mapError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "required", payload.Errors[0].Code)

	errType, code := classifyErrorForLog(err)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "required", code)
}
