package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "conflict", err: errs.New(errs.ErrConcurrencyConflict, "stale_version"), want: SchedulerJobReasonConcurrencyConflict},
		{name: "transition", err: errs.New(errs.ErrInvalidStateTransition, "bad_edge"), want: SchedulerJobReasonStateTransition},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestAddProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetricsForRegistry(registry)

	m.AddProcessed("lifecycle", "subscriptions", 3)
	m.AddProcessed("lifecycle", "subscriptions", 0)
	m.IncTransition("ACTIVE", "GRACE_PERIOD")

	assert.Equal(t, float64(3), testutil.ToFloat64(m.itemsProcessed.WithLabelValues("lifecycle", "subscriptions")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("ACTIVE", "GRACE_PERIOD")))
}
