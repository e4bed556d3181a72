package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the billing domain instruments.
type Metrics struct {
	usageIncrements      metric.Int64Counter
	reconciliations      metric.Int64Counter
	gatewayCalls         metric.Int64Counter
	gatewayLatency       metric.Float64Histogram
	notificationsHandled metric.Int64Counter
	subscriptionEvents   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New creates the domain instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenantbilling"
	}
	meter := provider.Meter(name)

	usageIncrements, err := meter.Int64Counter("tenantbilling_usage_increments_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("tenantbilling_reconciliations_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("tenantbilling_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	gatewayLatency, err := meter.Float64Histogram("tenantbilling_gateway_call_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	notificationsHandled, err := meter.Int64Counter("tenantbilling_notifications_total")
	if err != nil {
		return nil, err
	}
	subscriptionEvents, err := meter.Int64Counter("tenantbilling_subscription_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIncrements:      usageIncrements,
		reconciliations:      reconciliations,
		gatewayCalls:         gatewayCalls,
		gatewayLatency:       gatewayLatency,
		notificationsHandled: notificationsHandled,
		subscriptionEvents:   subscriptionEvents,
	}, nil
}

// NewNop returns instruments bound to a no-op provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordUsageIncrement counts a tracked usage increment. Decrements of
// cumulative metrics are not counted.
func (m *Metrics) RecordUsageIncrement(ctx context.Context, metricName string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("metric", strings.TrimSpace(metricName)))
	m.usageIncrements.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordReconciliation counts webhook reconciliations by gateway and outcome.
func (m *Metrics) RecordReconciliation(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall counts outbound create-charge calls and their latency.
func (m *Metrics) RecordGatewayCall(ctx context.Context, provider string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", outcome),
	)...)
	m.gatewayCalls.Add(ctx, 1, attrs)
	m.gatewayLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordNotification counts outbox dispatch results by kind.
func (m *Metrics) RecordNotification(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.notificationsHandled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionTransition counts state machine transitions.
func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)
	m.subscriptionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// org_id is deliberately absent: one series per tenant does not scale.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"metric":   {},
	"provider": {},
	"outcome":  {},
	"kind":     {},
	"from":     {},
	"to":       {},
	"tier":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
