// Package tripay implements the closed-payment gateway.
//
// Callbacks are authenticated with an HMAC-SHA256 of the raw body keyed by
// the merchant private key, sent in the X-Callback-Signature header.
package tripay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/smallbiznis/tenantbilling/internal/validation"
	"go.uber.org/zap"
)

const (
	Name = "tripay"

	SandboxBaseURL    = "https://tripay.co.id/api-sandbox"
	ProductionBaseURL = "https://tripay.co.id/api"

	HeaderSignature = "X-Callback-Signature"
	HeaderEvent     = "X-Callback-Event"
	EventPayment    = "payment_status"
)

type Config struct {
	APIKey        string
	PrivateKey    string
	MerchantCode  string
	Production    bool
	BaseURL       string
	DefaultMethod string
	ExpiryHours   int
}

type Adapter struct {
	apiKey        string
	privateKey    string
	merchantCode  string
	baseURL       string
	defaultMethod string
	expiry        time.Duration
	client        *retryablehttp.Client
	log           *zap.Logger
	now           func() time.Time
}

func New(cfg Config, client *retryablehttp.Client, log *zap.Logger) (*Adapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	privateKey := strings.TrimSpace(cfg.PrivateKey)
	merchant := strings.TrimSpace(cfg.MerchantCode)
	if apiKey == "" || privateKey == "" || merchant == "" {
		return nil, errs.New(errs.ErrValidation, "tripay_credentials_required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if cfg.Production {
			baseURL = ProductionBaseURL
		}
	}
	expiryHours := cfg.ExpiryHours
	if expiryHours <= 0 {
		expiryHours = 24
	}
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = gatewayhttp.New(gatewayhttp.Options{}, log)
	}
	return &Adapter{
		apiKey:        apiKey,
		privateKey:    privateKey,
		merchantCode:  merchant,
		baseURL:       baseURL,
		defaultMethod: strings.TrimSpace(cfg.DefaultMethod),
		expiry:        time.Duration(expiryHours) * time.Hour,
		client:        client,
		log:           log.Named("payment.tripay"),
		now:           time.Now,
	}, nil
}

func (a *Adapter) Name() string { return Name }

type orderItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

type createRequest struct {
	Method        string      `json:"method"`
	MerchantRef   string      `json:"merchant_ref"`
	Amount        int64       `json:"amount"`
	CustomerName  string      `json:"customer_name"`
	CustomerEmail string      `json:"customer_email"`
	CustomerPhone string      `json:"customer_phone,omitempty"`
	OrderItems    []orderItem `json:"order_items"`
	ExpiredTime   int64       `json:"expired_time"`
	Signature     string      `json:"signature"`
}

type createResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Reference   string `json:"reference"`
		MerchantRef string `json:"merchant_ref"`
		CheckoutURL string `json:"checkout_url"`
		PayCode     string `json:"pay_code"`
		Status      string `json:"status"`
	} `json:"data"`
}

func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if err := validation.Struct(req); err != nil {
		return paymentdomain.ChargeResult{}, errs.Mark(err, paymentdomain.ErrInvalidCharge)
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = a.defaultMethod
	}
	if method == "" {
		return paymentdomain.ChargeResult{}, errs.Mark(errs.New(errs.ErrValidation, "tripay_method_required"), paymentdomain.ErrInvalidCharge)
	}
	expiresAt := a.now().Add(a.expiry)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	body := createRequest{
		Method:        method,
		MerchantRef:   req.OrderRef,
		Amount:        req.Amount,
		CustomerName:  req.Customer.Name,
		CustomerEmail: req.Customer.Email,
		CustomerPhone: req.Customer.Phone,
		ExpiredTime:   expiresAt.Unix(),
		Signature:     a.sign(a.merchantCode + req.OrderRef + strconv.FormatInt(req.Amount, 10)),
	}
	for _, item := range req.LineItems {
		body.OrderItems = append(body.OrderItems, orderItem{
			SKU:      item.SKU,
			Name:     item.Name,
			Price:    item.UnitPrice,
			Quantity: item.Quantity,
		})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := gatewayhttp.Do(ctx, a.client, http.MethodPost, a.baseURL+"/transaction/create", raw, header)
	if err != nil {
		return paymentdomain.ChargeResult{}, errs.Wrap(errs.ErrGateway, err, "tripay create transaction")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return paymentdomain.ChargeResult{}, errs.Wrap(errs.ErrGateway, err, "tripay read response")
	}
	var decoded createResponse
	_ = json.Unmarshal(respBody, &decoded)
	if resp.StatusCode >= http.StatusMultipleChoices || !decoded.Success || decoded.Data.Reference == "" {
		msg := fmt.Sprintf("tripay status %d", resp.StatusCode)
		if decoded.Message != "" {
			msg += ": " + decoded.Message
		}
		return paymentdomain.ChargeResult{Raw: respBody}, errs.Wrap(errs.ErrGateway, errors.New(msg), "tripay create transaction")
	}

	return paymentdomain.ChargeResult{
		ExternalRef: decoded.Data.Reference,
		RedirectURL: decoded.Data.CheckoutURL,
		PayCode:     decoded.Data.PayCode,
		Raw:         respBody,
	}, nil
}

type callback struct {
	Reference         string `json:"reference" validate:"required"`
	MerchantRef       string `json:"merchant_ref" validate:"required"`
	PaymentMethod     string `json:"payment_method"`
	PaymentMethodCode string `json:"payment_method_code"`
	TotalAmount       int64  `json:"total_amount" validate:"gte=0"`
	AmountReceived    int64  `json:"amount_received"`
	IsClosedPayment   int    `json:"is_closed_payment"`
	Status            string `json:"status" validate:"required,oneof=PAID UNPAID EXPIRED FAILED REFUND"`
	PaidAt            *int64 `json:"paid_at"`
	Note              string `json:"note"`
}

func (a *Adapter) SignatureFrom(_ []byte, headers http.Header) string {
	return strings.TrimSpace(headers.Get(HeaderSignature))
}

func (a *Adapter) VerifyNotification(payload []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	expected := a.sign(string(payload))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// ParseNotification only accepts payment_status callbacks. A missing event
// header is treated as payment_status.
func (a *Adapter) ParseNotification(payload []byte, headers http.Header) (paymentdomain.Notification, error) {
	if event := strings.TrimSpace(headers.Get(HeaderEvent)); event != "" && event != EventPayment {
		return paymentdomain.Notification{}, paymentdomain.ErrEventIgnored
	}
	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return paymentdomain.Notification{}, errs.Wrap(errs.ErrValidation, errs.Mark(err, paymentdomain.ErrInvalidPayload), "tripay callback")
	}
	cb.Status = strings.ToUpper(strings.TrimSpace(cb.Status))
	if err := validation.Struct(cb); err != nil {
		return paymentdomain.Notification{}, errs.Mark(err, paymentdomain.ErrInvalidPayload)
	}

	out := paymentdomain.Notification{
		Gateway:       Name,
		OrderRef:      cb.MerchantRef,
		ExternalRef:   cb.Reference,
		RawStatus:     cb.Status,
		Amount:        cb.TotalAmount,
		PaymentMethod: cb.PaymentMethodCode,
		Payload:       payload,
	}
	if cb.PaidAt != nil && *cb.PaidAt > 0 {
		paidAt := time.Unix(*cb.PaidAt, 0).UTC()
		out.PaidAt = &paidAt
	}
	return out, nil
}

// NormalizeStatus maps PAID to SUCCESS, UNPAID to PENDING, EXPIRED to
// CANCELLED and FAILED or REFUND to FAILED.
func (a *Adapter) NormalizeStatus(n paymentdomain.Notification) paymentdomain.PaymentStatus {
	switch strings.ToUpper(n.RawStatus) {
	case "PAID":
		return paymentdomain.PaymentStatusSuccess
	case "UNPAID":
		return paymentdomain.PaymentStatusPending
	case "EXPIRED":
		return paymentdomain.PaymentStatusCancelled
	case "FAILED", "REFUND":
		return paymentdomain.PaymentStatusFailed
	default:
		return paymentdomain.PaymentStatusPending
	}
}

func (a *Adapter) sign(data string) string {
	return Sign(data, a.privateKey)
}

// Sign returns hex(hmac_sha256(data, key)).
func Sign(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
