package tracing

import (
	"errors"

	"github.com/smallbiznis/tenantbilling/internal/errs"
	"go.opentelemetry.io/otel/attribute"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"signature":           {},
	"server_key":          {},
	"private_key":         {},
	"authorization":       {},
	"customer.email":      {},
	"customer.phone":      {},
	"http.request.header": {},
}

// SafeAttributes drops attributes that could carry secrets or contact data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its kind so span events never embed payload text.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	if kind := errs.KindOf(err); kind != nil {
		return errors.New(kind.Error())
	}
	return errors.New("internal_error")
}
