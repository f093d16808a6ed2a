// Package telemetry configures OpenTelemetry metrics for mrmarket.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var (
	globalEnvironmentMu sync.RWMutex
	globalEnvironment   string
)

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	globalEnvironmentMu.Lock()
	globalEnvironment = strings.TrimSpace(env)
	globalEnvironmentMu.Unlock()
}

// Environment returns the configured environment name for metric labels.
func Environment() string {
	globalEnvironmentMu.RLock()
	defer globalEnvironmentMu.RUnlock()
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}

// Settings configures the metric pipeline.
type Settings struct {
	// OTLPEndpoint is the OTLP/HTTP collector endpoint. Empty disables export
	// and installs a noop provider.
	OTLPEndpoint string
	ServiceName  string
	Environment  string
}

// Init configures the OpenTelemetry meter provider. The returned shutdown
// function flushes pending metrics.
func Init(ctx context.Context, settings Settings) (apimetric.MeterProvider, func(context.Context) error, error) {
	SetEnvironment(settings.Environment)

	endpoint := strings.TrimSpace(settings.OTLPEndpoint)
	service := strings.TrimSpace(settings.ServiceName)
	if service == "" {
		service = "mrmarket"
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	return provider, provider.Shutdown, nil
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
