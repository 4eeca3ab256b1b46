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

// Metrics exposes collection-level instruments.
type Metrics struct {
	chargeAttempts    metric.Int64Counter
	activations       metric.Int64Counter
	persistenceErrors metric.Int64Counter
	processorCalls    metric.Int64Counter
	processorLatency  metric.Float64Histogram
	ingestRows        metric.Int64Counter
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
		name = "cobro"
	}
	meter := provider.Meter(name)

	chargeAttempts, err := meter.Int64Counter("cobro_charge_attempts_total",
		metric.WithDescription("Charge attempts by outcome."))
	if err != nil {
		return nil, err
	}
	activations, err := meter.Int64Counter("cobro_activations_total",
		metric.WithDescription("Schedule activations by outcome."))
	if err != nil {
		return nil, err
	}
	persistenceErrors, err := meter.Int64Counter("cobro_persistence_errors_total",
		metric.WithDescription("Writes that failed after the processor already answered."))
	if err != nil {
		return nil, err
	}
	processorCalls, err := meter.Int64Counter("cobro_processor_requests_total")
	if err != nil {
		return nil, err
	}
	processorLatency, err := meter.Float64Histogram("cobro_processor_request_duration_seconds",
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	ingestRows, err := meter.Int64Counter("cobro_ingest_rows_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		chargeAttempts:    chargeAttempts,
		activations:       activations,
		persistenceErrors: persistenceErrors,
		processorCalls:    processorCalls,
		processorLatency:  processorLatency,
		ingestRows:        ingestRows,
	}, nil
}

// RecordChargeAttempt counts one executed attempt. outcome is approved,
// declined, retry_scheduled, failed or transport_error.
func (m *Metrics) RecordChargeAttempt(ctx context.Context, provider, outcome, isoCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("iso_code", strings.TrimSpace(isoCode)),
	)
	m.chargeAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.activations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPersistenceError counts local writes lost after a remote side effect.
func (m *Metrics) RecordPersistenceError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.persistenceErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProcessorCall records latency and status of one processor request.
func (m *Metrics) RecordProcessorCall(ctx context.Context, provider, operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("status_code", strings.TrimSpace(status)),
	)
	m.processorCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.processorLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordIngestRows(ctx context.Context, source, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(source)),
		attribute.String("reason", strings.TrimSpace(result)),
	)
	m.ingestRows.Add(ctx, int64(count), metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"operation":   {},
	"outcome":     {},
	"iso_code":    {},
	"source_type": {},
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
