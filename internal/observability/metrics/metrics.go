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

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecords     metric.Int64Counter
	usageCost        metric.Float64Counter
	budgetChecks     metric.Int64Counter
	budgetDenied     metric.Int64Counter
	thresholdAlerts  metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "gitu-governor"
	}
	meter := provider.Meter(name)

	usageRecords, err := meter.Int64Counter("governor_usage_records_total")
	if err != nil {
		return nil, err
	}
	usageCost, err := meter.Float64Counter("governor_usage_cost_usd_total")
	if err != nil {
		return nil, err
	}
	budgetChecks, err := meter.Int64Counter("governor_budget_checks_total")
	if err != nil {
		return nil, err
	}
	budgetDenied, err := meter.Int64Counter("governor_budget_denied_total")
	if err != nil {
		return nil, err
	}
	thresholdAlerts, err := meter.Int64Counter("governor_threshold_alerts_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("governor_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("governor_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecords:     usageRecords,
		usageCost:        usageCost,
		budgetChecks:     budgetChecks,
		budgetDenied:     budgetDenied,
		thresholdAlerts:  thresholdAlerts,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordUsageWrite counts ledger appends and attributes spend per platform.
func (m *Metrics) RecordUsageWrite(ctx context.Context, platform, operation string, costUSD float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("platform", strings.TrimSpace(platform)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.usageCost.Add(ctx, costUSD, metric.WithAttributes(attrs...))
}

// RecordBudgetCheck counts budget decisions.
func (m *Metrics) RecordBudgetCheck(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	attrs := FilterAttributes(attribute.String("decision", decision))
	m.budgetChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBudgetDenied counts hard-stop denials per limit dimension.
func (m *Metrics) RecordBudgetDenied(ctx context.Context, limit string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("limit", strings.TrimSpace(limit)))
	m.budgetDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordThresholdAlerts counts emitted threshold alerts per period.
func (m *Metrics) RecordThresholdAlerts(ctx context.Context, period string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("period", strings.TrimSpace(period)))
	m.thresholdAlerts.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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

// user_id is deliberately absent: one label value per user would
// explode cardinality.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"platform":    {},
	"operation":   {},
	"decision":    {},
	"limit":       {},
	"period":      {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
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
