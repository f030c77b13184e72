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
	debits         metric.Int64Counter
	refunds        metric.Int64Counter
	transitions    metric.Int64Counter
	expiredCredits metric.Int64Counter
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
		name = "vibephoto"
	}
	meter := provider.Meter(name)

	debits, err := meter.Int64Counter("vibephoto_credit_debits_total")
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("vibephoto_credit_refunds_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("vibephoto_job_transitions_total")
	if err != nil {
		return nil, err
	}
	expiredCredits, err := meter.Int64Counter("vibephoto_credits_expired_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		debits:         debits,
		refunds:        refunds,
		transitions:    transitions,
		expiredCredits: expiredCredits,
	}, nil
}

// RecordDebit increments debit counts per posting source.
func (m *Metrics) RecordDebit(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.debits.Add(ctx, 1, metric.WithAttributes(attribute.String("source", strings.TrimSpace(source))))
}

// RecordRefund increments refund counts per failure category.
func (m *Metrics) RecordRefund(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", strings.TrimSpace(reason))))
}

// RecordTransition increments accepted job state transitions per path.
func (m *Metrics) RecordTransition(ctx context.Context, state, path string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", strings.TrimSpace(state)),
		attribute.String("path", strings.TrimSpace(path)),
	))
}

// RecordExpiredCredits counts credits reclaimed by the expiration sweep.
func (m *Metrics) RecordExpiredCredits(ctx context.Context, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.expiredCredits.Add(ctx, amount)
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
