package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithBillingRefsMerges(t *testing.T) {
	ctx := WithBillingRefs(context.Background(), BillingRefs{SubscriptionID: "11"})
	ctx = WithBillingRefs(ctx, BillingRefs{Gateway: " Tripay "})

	refs := BillingRefsFromContext(ctx)
	assert.Equal(t, "11", refs.SubscriptionID)
	assert.Equal(t, "tripay", refs.Gateway)
	assert.Empty(t, refs.InvoiceID)
}

func TestBlankValuesAreNotStored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	ctx = WithOrgID(ctx, "")
	ctx = WithBillingRefs(ctx, BillingRefs{})

	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, OrgIDFromContext(ctx))
	assert.Equal(t, BillingRefs{}, BillingRefsFromContext(ctx))
}
