package context

import (
	"context"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "obs_request_id"
	orgIDKey     contextKey = "obs_org_id"
	billingKey   contextKey = "obs_billing_refs"
)

// BillingRefs are the billing identifiers a request or job operates on.
type BillingRefs struct {
	SubscriptionID string
	InvoiceID      string
	Gateway        string
}

func (r BillingRefs) empty() bool {
	return r.SubscriptionID == "" && r.InvoiceID == "" && r.Gateway == ""
}

// WithRequestID stores the request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithOrgID stores the tenant organization identifier on the context.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return withString(ctx, orgIDKey, orgID)
}

func OrgIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, orgIDKey)
}

// WithBillingRefs merges refs into the references already on ctx. Blank
// fields keep their previous value.
func WithBillingRefs(ctx context.Context, refs BillingRefs) context.Context {
	refs = BillingRefs{
		SubscriptionID: strings.TrimSpace(refs.SubscriptionID),
		InvoiceID:      strings.TrimSpace(refs.InvoiceID),
		Gateway:        strings.ToLower(strings.TrimSpace(refs.Gateway)),
	}
	if refs.empty() {
		return ctx
	}
	current := BillingRefsFromContext(ctx)
	if refs.SubscriptionID != "" {
		current.SubscriptionID = refs.SubscriptionID
	}
	if refs.InvoiceID != "" {
		current.InvoiceID = refs.InvoiceID
	}
	if refs.Gateway != "" {
		current.Gateway = refs.Gateway
	}
	return context.WithValue(ctx, billingKey, current)
}

// BillingRefsFromContext returns the stored references, zero when absent.
func BillingRefsFromContext(ctx context.Context) BillingRefs {
	if ctx == nil {
		return BillingRefs{}
	}
	refs, _ := ctx.Value(billingKey).(BillingRefs)
	return refs
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
