package midtrans

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const serverKey = "SB-Mid-server-test"

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	client := gatewayhttp.New(gatewayhttp.Options{RetryMax: 2, RetryWaitMin: 1, RetryWaitMax: 2}, zap.NewNop())
	adapter, err := New(Config{ServerKey: serverKey, BaseURL: baseURL}, client, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func notificationBody(t *testing.T, orderID, status, fraud, statusCode, gross, key string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"transaction_status": status,
		"fraud_status":       fraud,
		"status_code":        statusCode,
		"order_id":           orderID,
		"gross_amount":       gross,
		"payment_type":       "bank_transfer",
		"transaction_id":     "txn-1",
		"settlement_time":    "2026-03-01 10:00:00",
		"signature_key":      Signature(orderID, statusCode, gross, key),
	})
	require.NoError(t, err)
	return body
}

func chargeRequest() paymentdomain.ChargeRequest {
	return paymentdomain.ChargeRequest{
		OrderRef: "INV-20260301-000001-42",
		Amount:   799000,
		Currency: "IDR",
		Customer: paymentdomain.Customer{Name: "Sekolah Nusantara", Email: "billing@example.com", Phone: "08123456789"},
		LineItems: []paymentdomain.LineItem{
			{SKU: "STANDARD-MONTHLY", Name: "Standard plan", UnitPrice: 799000, Quantity: 1},
		},
	}
}

func TestVerifyNotification(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	body := notificationBody(t, "order-1", "settlement", "accept", "200", "799000.00", serverKey)

	sig := adapter.SignatureFrom(body, http.Header{})
	assert.True(t, adapter.VerifyNotification(body, sig))

	forged := notificationBody(t, "order-1", "settlement", "accept", "200", "799000.00", "other-key")
	assert.False(t, adapter.VerifyNotification(forged, adapter.SignatureFrom(forged, nil)))
	assert.False(t, adapter.VerifyNotification(body, ""))
	assert.False(t, adapter.VerifyNotification([]byte("not json"), sig))
}

func TestParseNotification(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	body := notificationBody(t, "order-1", "settlement", "", "200", "799000.00", serverKey)

	n, err := adapter.ParseNotification(body, nil)
	require.NoError(t, err)
	assert.Equal(t, Name, n.Gateway)
	assert.Equal(t, "order-1", n.OrderRef)
	assert.Equal(t, "txn-1", n.ExternalRef)
	assert.Equal(t, int64(799000), n.Amount)
	require.NotNil(t, n.PaidAt)
	assert.Equal(t, 3, n.PaidAt.Hour())

	_, err = adapter.ParseNotification([]byte(`{"order_id":"x"}`), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrValidation))
	assert.True(t, errs.Is(err, paymentdomain.ErrInvalidPayload))

	_, err = adapter.ParseNotification([]byte(`{`), nil)
	assert.True(t, errs.Is(err, paymentdomain.ErrInvalidPayload))
}

func TestNormalizeStatus(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	cases := []struct {
		status string
		fraud  string
		want   paymentdomain.PaymentStatus
	}{
		{"settlement", "", paymentdomain.PaymentStatusSuccess},
		{"capture", "accept", paymentdomain.PaymentStatusSuccess},
		{"capture", "", paymentdomain.PaymentStatusSuccess},
		{"capture", "challenge", paymentdomain.PaymentStatusPending},
		{"capture", "deny", paymentdomain.PaymentStatusFailed},
		{"pending", "", paymentdomain.PaymentStatusPending},
		{"deny", "", paymentdomain.PaymentStatusFailed},
		{"failure", "", paymentdomain.PaymentStatusFailed},
		{"cancel", "", paymentdomain.PaymentStatusCancelled},
		{"expire", "", paymentdomain.PaymentStatusCancelled},
		{"refund", "", paymentdomain.PaymentStatusFailed},
		{"chargeback", "", paymentdomain.PaymentStatusFailed},
		{"authorize", "", paymentdomain.PaymentStatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.status+"/"+tc.fraud, func(t *testing.T) {
			got := adapter.NormalizeStatus(paymentdomain.Notification{RawStatus: tc.status, FraudStatus: tc.fraud})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCreateCharge(t *testing.T) {
	var received snapRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snap/v1/transactions", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, serverKey, user)
		assert.Empty(t, pass)
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &received))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"token":"snap-token","redirect_url":"https://app.sandbox.midtrans.com/snap/v2/vtweb/snap-token"}`)
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	res, err := adapter.CreateCharge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, "snap-token", res.ExternalRef)
	assert.Contains(t, res.RedirectURL, "snap-token")
	assert.Equal(t, "INV-20260301-000001-42", received.TransactionDetails.OrderID)
	assert.Equal(t, int64(799000), received.TransactionDetails.GrossAmount)
	require.Len(t, received.ItemDetails, 1)
	assert.Equal(t, "STANDARD-MONTHLY", received.ItemDetails[0].ID)
}

func TestCreateChargeRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"token":"t","redirect_url":"u"}`)
	}))
	defer srv.Close()

	res, err := newAdapter(t, srv.URL).CreateCharge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, "t", res.ExternalRef)
	assert.Equal(t, 2, calls)
}

func TestCreateChargeGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error_messages":["transaction_details.order_id has already been taken"]}`)
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL).CreateCharge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrGateway))
	assert.Contains(t, err.Error(), "already been taken")
}

func TestCreateChargeRejectsInvalidRequest(t *testing.T) {
	req := chargeRequest()
	req.Customer.Email = "not-an-email"
	_, err := newAdapter(t, "http://unused").CreateCharge(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrValidation))
}
