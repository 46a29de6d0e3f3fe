// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMeters bundles the worker's matrix run counters.
type RunMeters struct {
	RunsProcessed   metric.Int64Counter
	EnvironmentsRun metric.Int64Counter
	PhasesExecuted  metric.Int64Counter
}

// NewRunMeters creates the worker counters on the global meter provider.
func NewRunMeters() (*RunMeters, error) {
	meter := otel.Meter("matrixci/worker")

	runs, err := meter.Int64Counter("matrixci.runs.processed",
		metric.WithDescription("Matrix runs processed by this worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	environments, err := meter.Int64Counter("matrixci.environments.run",
		metric.WithDescription("Matrix environments executed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create environments counter: %w", err)
	}
	phases, err := meter.Int64Counter("matrixci.phases.executed",
		metric.WithDescription("Pipeline phases executed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create phases counter: %w", err)
	}

	return &RunMeters{
		RunsProcessed:   runs,
		EnvironmentsRun: environments,
		PhasesExecuted:  phases,
	}, nil
}
