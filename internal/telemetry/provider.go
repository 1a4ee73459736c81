package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// DefaultExportInterval is how often counters are pushed to an OTLP
// collector.
const DefaultExportInterval = 15 * time.Second

// ProviderConfig selects where counters go.
type ProviderConfig struct {
	// OTLPEndpoint is a host:port of an OTLP/gRPC collector. Empty keeps
	// counters in process only.
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Provider owns the process meter provider. Counters are always readable
// in process through Totals and are also exported when an endpoint is set.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
	metrics       *Metrics
}

// NewProvider builds the meter provider, installs it as the global one and
// creates the engine counters on it.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "fiscalsync"))

	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	}

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = DefaultExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := New(mp.Meter(MeterName))
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(ctx))
	}
	return &Provider{meterProvider: mp, reader: reader, metrics: m}, nil
}

// Metrics returns the counters bound to this provider.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Total is the process-wide sum of one counter.
type Total struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Totals sums every counter across its attributes, sorted by name.
// Counters that never recorded are omitted.
func (p *Provider) Totals(ctx context.Context) ([]Total, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var out []Total
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var v int64
			for _, dp := range sum.DataPoints {
				v += dp.Value
			}
			out = append(out, Total{Name: m.Name, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Shutdown flushes pending exports and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
