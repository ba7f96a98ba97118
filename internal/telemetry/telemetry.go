// Package telemetry configures OpenTelemetry metrics for gridfeed.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nndrao/gridfeed/config"
)

const exportInterval = 15 * time.Second

// Provider groups the metric provider handle with its shutdown hook.
type Provider struct {
	MeterProvider apimetric.MeterProvider
	shutdown      func(context.Context) error
}

// Init configures the OTLP metric exporter based on the provided configuration.
// An empty endpoint (or disabled metrics) yields a noop provider.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "gridfeed"
	}

	if endpoint == "" || !cfg.EnableMetrics {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return &Provider{
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Provider{
		MeterProvider: mp,
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the metric pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Meter returns a named meter from the provider.
func (p *Provider) Meter(name string) apimetric.Meter {
	if p == nil || p.MeterProvider == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return p.MeterProvider.Meter(name)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
