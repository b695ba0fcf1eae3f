package service

import (
	"context"
	"fmt"
	"time"

	"pillbox/config"
	"pillbox/httpmetrics"

	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InstallMonitoring exports OpenTelemetry traces and metrics to Cloud Trace
// and Cloud Monitoring, and the OpenCensus request counter through the
// Stackdriver exporter.  The returned function flushes and stops everything.
func InstallMonitoring(ctx context.Context, cfg *config.Config, metricPrefix string) (func(), error) {
	metricsOpts := []cloudmetrics.Option{}
	traceOpts := []cloudtrace.Option{}
	if cfg.Monitoring.Project != "" {
		metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(cfg.Monitoring.Project))
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(cfg.Monitoring.Project))
	}

	_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Monitoring.TraceRatio)))
	if err != nil {
		return nil, fmt.Errorf("while installing Cloud Trace OpenTelemetry trace pipeline: %w", err)
	}

	pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
	if err != nil {
		traceShutdown()
		return nil, fmt.Errorf("while installing Cloud Metrics OpenTelemetry meter pipeline: %w", err)
	}

	if err := httpmetrics.RegisterViews(); err != nil {
		pusher.Stop(ctx)
		traceShutdown()
		return nil, fmt.Errorf("while registering request views: %w", err)
	}
	exporter, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:         cfg.Monitoring.Project,
		MetricPrefix:      metricPrefix,
		ReportingInterval: 60 * time.Second,
	})
	if err != nil {
		pusher.Stop(ctx)
		traceShutdown()
		return nil, fmt.Errorf("while creating Stackdriver exporter: %w", err)
	}
	if err := exporter.StartMetricsExporter(); err != nil {
		pusher.Stop(ctx)
		traceShutdown()
		return nil, fmt.Errorf("while starting Stackdriver metrics exporter: %w", err)
	}

	return func() {
		exporter.Flush()
		exporter.StopMetricsExporter()
		pusher.Stop(ctx)
		traceShutdown()
	}, nil
}
