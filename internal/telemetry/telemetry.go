package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the metric instruments and providers. The zero value (and
// a nil pointer) is a valid, disabled instance, so callers never have to
// guard their instrumentation calls.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// API client metrics
	apiRequestsTotal metric.Int64Counter
	apiErrors        metric.Int64Counter

	// Download pipeline metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	stagingPolls     metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance backed by a Prometheus exporter and
// starts Go runtime metric collection.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// RecordAPIRequest records one request to a remote API endpoint.
func (t *Telemetry) RecordAPIRequest(endpoint, status string) {
	if t == nil || t.apiRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)

	t.apiRequestsTotal.Add(context.Background(), 1, attrs)

	if status == "error" && t.apiErrors != nil {
		t.apiErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("endpoint", endpoint)),
		)
	}
}

// RecordDownload records one finished file fetch.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveDownloads increments the in-flight downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the in-flight downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordStagingPoll records one download-retrieve poll.
func (t *Telemetry) RecordStagingPoll() {
	if t != nil && t.stagingPolls != nil {
		t.stagingPolls.Add(context.Background(), 1)
	}
}

// InstrumentOperation wraps fn in a span. Attribute cardinality must stay
// bounded: operation and component come from fixed sets, never from user
// input or per-request values.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn func(ctx context.Context) error) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.apiRequestsTotal, err = t.meter.Int64Counter(
		"usgs_api_requests_total",
		metric.WithDescription("Total number of requests sent to the M2M API"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create usgs_api_requests_total counter: %w", err)
	}

	t.apiErrors, err = t.meter.Int64Counter(
		"usgs_api_errors_total",
		metric.WithDescription("Total number of failed M2M API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create usgs_api_errors_total counter: %w", err)
	}

	t.downloadsTotal, err = t.meter.Int64Counter(
		"scene_downloads_total",
		metric.WithDescription("Total number of scene file downloads by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"scene_downloads_active",
		metric.WithDescription("Number of scene file downloads currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"scene_download_duration_seconds",
		metric.WithDescription("Scene file download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_download_duration histogram: %w", err)
	}

	t.stagingPolls, err = t.meter.Int64Counter(
		"staging_polls_total",
		metric.WithDescription("Total number of download-retrieve polls issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create staging_polls_total counter: %w", err)
	}

	return nil
}
