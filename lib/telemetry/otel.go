// Package telemetry configures OpenTelemetry metric export for venuegate.
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

	"github.com/tradeforge/venuegate/internal/observability"
)

// Init configures the OTLP metric exporter based on the endpoint. An empty
// endpoint yields a noop provider so the gateway runs without a collector.
func Init(ctx context.Context, endpoint, serviceName string) (*Collector, func(context.Context) error, error) {
	service := strings.TrimSpace(serviceName)
	if service == "" {
		service = "venuegate"
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return newCollector(provider.Meter(service)), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return newCollector(mp.Meter(service)), mp.Shutdown, nil
}

func parseEndpoint(endpoint string) (host string, insecure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse telemetry endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		insecure = true
	case "https":
	default:
		return "", false, fmt.Errorf("unsupported telemetry scheme %q", u.Scheme)
	}
	return u.Host, insecure, nil
}

// Collector implements observability.Metrics on top of an OpenTelemetry meter,
// creating instruments lazily by name.
type Collector struct {
	meter apimetric.Meter

	mu       sync.Mutex
	counters map[string]apimetric.Float64Counter
	gauges   map[string]apimetric.Float64Gauge
}

var _ observability.Metrics = (*Collector)(nil)

func newCollector(meter apimetric.Meter) *Collector {
	return &Collector{
		meter:    meter,
		counters: make(map[string]apimetric.Float64Counter),
		gauges:   make(map[string]apimetric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (c *Collector) IncCounter(name string, value float64) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		created, err := c.meter.Float64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.counters[name] = created
		counter = created
	}
	c.mu.Unlock()
	counter.Add(context.Background(), value)
}

// SetGauge records the latest value for the named gauge.
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		created, err := c.meter.Float64Gauge(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.gauges[name] = created
		gauge = created
	}
	c.mu.Unlock()
	gauge.Record(context.Background(), value)
}
