// Package midtrans implements the Snap checkout gateway.
//
// Notifications are authenticated with
// sha512(order_id + status_code + gross_amount + server key), carried in the
// body field signature_key.
package midtrans

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/smallbiznis/tenantbilling/internal/validation"
	"go.uber.org/zap"
)

const (
	Name = "midtrans"

	SandboxBaseURL    = "https://app.sandbox.midtrans.com"
	ProductionBaseURL = "https://app.midtrans.com"
)

// Midtrans reports times in Jakarta local time without an offset.
var jakarta = time.FixedZone("WIB", 7*60*60)

const timeLayout = "2006-01-02 15:04:05"

type Config struct {
	ServerKey  string
	Production bool
	BaseURL    string
}

type Adapter struct {
	serverKey string
	baseURL   string
	client    *retryablehttp.Client
	log       *zap.Logger
}

func New(cfg Config, client *retryablehttp.Client, log *zap.Logger) (*Adapter, error) {
	key := strings.TrimSpace(cfg.ServerKey)
	if key == "" {
		return nil, errs.New(errs.ErrValidation, "midtrans_server_key_required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if cfg.Production {
			baseURL = ProductionBaseURL
		}
	}
	if client == nil {
		client = gatewayhttp.New(gatewayhttp.Options{}, log)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		serverKey: key,
		baseURL:   baseURL,
		client:    client,
		log:       log.Named("payment.midtrans"),
	}, nil
}

func (a *Adapter) Name() string { return Name }

type snapRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	CustomerDetails    customerDetails    `json:"customer_details"`
	ItemDetails        []itemDetail       `json:"item_details"`
	EnabledPayments    []string           `json:"enabled_payments,omitempty"`
	Expiry             *expiry            `json:"expiry,omitempty"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customerDetails struct {
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

type itemDetail struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
	Name     string `json:"name"`
}

type expiry struct {
	StartTime string `json:"start_time"`
	Unit      string `json:"unit"`
	Duration  int64  `json:"duration"`
}

type snapResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if err := validation.Struct(req); err != nil {
		return paymentdomain.ChargeResult{}, errs.Mark(err, paymentdomain.ErrInvalidCharge)
	}

	body := snapRequest{
		TransactionDetails: transactionDetails{OrderID: req.OrderRef, GrossAmount: req.Amount},
		CustomerDetails: customerDetails{
			FirstName: req.Customer.Name,
			Email:     req.Customer.Email,
			Phone:     req.Customer.Phone,
		},
	}
	for _, item := range req.LineItems {
		body.ItemDetails = append(body.ItemDetails, itemDetail{
			ID:       item.SKU,
			Price:    item.UnitPrice,
			Quantity: item.Quantity,
			Name:     truncate(item.Name, 50),
		})
	}
	if req.Method != "" {
		body.EnabledPayments = []string{req.Method}
	}
	if req.ExpiresAt != nil {
		now := time.Now().In(jakarta)
		minutes := int64(req.ExpiresAt.Sub(now) / time.Minute)
		if minutes > 0 {
			body.Expiry = &expiry{
				StartTime: now.Format(timeLayout) + " +0700",
				Unit:      "minute",
				Duration:  minutes,
			}
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(a.serverKey))

	resp, err := gatewayhttp.Do(ctx, a.client, http.MethodPost, a.baseURL+"/snap/v1/transactions", raw, header)
	if err != nil {
		return paymentdomain.ChargeResult{}, errs.Wrap(errs.ErrGateway, err, "midtrans create transaction")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return paymentdomain.ChargeResult{}, errs.Wrap(errs.ErrGateway, err, "midtrans read response")
	}

	var decoded snapResponse
	_ = json.Unmarshal(respBody, &decoded)
	if resp.StatusCode >= http.StatusMultipleChoices || decoded.Token == "" {
		msg := fmt.Sprintf("midtrans status %d", resp.StatusCode)
		if len(decoded.ErrorMessages) > 0 {
			msg += ": " + strings.Join(decoded.ErrorMessages, "; ")
		}
		return paymentdomain.ChargeResult{Raw: respBody}, errs.Wrap(errs.ErrGateway, errors.New(msg), "midtrans create transaction")
	}

	return paymentdomain.ChargeResult{
		ExternalRef: decoded.Token,
		RedirectURL: decoded.RedirectURL,
		Raw:         respBody,
	}, nil
}

// notification is the subset of the HTTP notification body the engine uses.
type notification struct {
	TransactionStatus string `json:"transaction_status" validate:"required"`
	StatusCode        string `json:"status_code" validate:"required"`
	SignatureKey      string `json:"signature_key" validate:"required"`
	OrderID           string `json:"order_id" validate:"required"`
	GrossAmount       string `json:"gross_amount" validate:"required,numeric"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	TransactionID     string `json:"transaction_id"`
	TransactionTime   string `json:"transaction_time"`
	SettlementTime    string `json:"settlement_time"`
}

func decode(payload []byte) (notification, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return notification{}, errs.Wrap(errs.ErrValidation, errs.Mark(err, paymentdomain.ErrInvalidPayload), "midtrans notification")
	}
	if err := validation.Struct(n); err != nil {
		return notification{}, errs.Mark(err, paymentdomain.ErrInvalidPayload)
	}
	return n, nil
}

// SignatureFrom reads signature_key from the body; Midtrans sends no
// signature header.
func (a *Adapter) SignatureFrom(payload []byte, _ http.Header) string {
	var body struct {
		SignatureKey string `json:"signature_key"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.SignatureKey
}

func (a *Adapter) VerifyNotification(payload []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	var fields struct {
		OrderID     string `json:"order_id"`
		StatusCode  string `json:"status_code"`
		GrossAmount string `json:"gross_amount"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	expected := Signature(fields.OrderID, fields.StatusCode, fields.GrossAmount, a.serverKey)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

// Signature computes the notification signature for the given fields.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) ParseNotification(payload []byte, _ http.Header) (paymentdomain.Notification, error) {
	n, err := decode(payload)
	if err != nil {
		return paymentdomain.Notification{}, err
	}
	amount, err := decimal.NewFromString(n.GrossAmount)
	if err != nil {
		return paymentdomain.Notification{}, errs.Wrap(errs.ErrValidation, errs.Mark(err, paymentdomain.ErrInvalidPayload), "gross_amount")
	}

	out := paymentdomain.Notification{
		Gateway:       Name,
		OrderRef:      n.OrderID,
		ExternalRef:   n.TransactionID,
		RawStatus:     strings.ToLower(n.TransactionStatus),
		FraudStatus:   strings.ToLower(n.FraudStatus),
		Amount:        amount.Round(0).IntPart(),
		PaymentMethod: n.PaymentType,
		Payload:       payload,
	}
	ts := firstNonEmpty(n.SettlementTime, n.TransactionTime)
	if ts != "" && (out.RawStatus == "settlement" || out.RawStatus == "capture") {
		if parsed, err := time.ParseInLocation(timeLayout, ts, jakarta); err == nil {
			paidAt := parsed.UTC()
			out.PaidAt = &paidAt
		}
	}
	return out, nil
}

// NormalizeStatus maps Midtrans transaction_status and fraud_status onto the
// shared vocabulary:
//
//	settlement                     SUCCESS
//	capture + accept (or none)     SUCCESS
//	capture + challenge            PENDING
//	capture + deny                 FAILED
//	pending                        PENDING
//	deny, failure                  FAILED
//	cancel, expire                 CANCELLED
//	refund, partial_refund,
//	chargeback                     FAILED
//
// Anything unrecognised stays PENDING.
func (a *Adapter) NormalizeStatus(n paymentdomain.Notification) paymentdomain.PaymentStatus {
	switch strings.ToLower(n.RawStatus) {
	case "settlement":
		return paymentdomain.PaymentStatusSuccess
	case "capture":
		switch strings.ToLower(n.FraudStatus) {
		case "", "accept":
			return paymentdomain.PaymentStatusSuccess
		case "deny":
			return paymentdomain.PaymentStatusFailed
		default:
			return paymentdomain.PaymentStatusPending
		}
	case "pending":
		return paymentdomain.PaymentStatusPending
	case "deny", "failure":
		return paymentdomain.PaymentStatusFailed
	case "cancel", "expire":
		return paymentdomain.PaymentStatusCancelled
	case "refund", "partial_refund", "chargeback", "partial_chargeback":
		return paymentdomain.PaymentStatusFailed
	default:
		return paymentdomain.PaymentStatusPending
	}
}

func basicAuth(serverKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(serverKey + ":"))
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
