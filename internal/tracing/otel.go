// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires the OpenTelemetry SDK for the daemon: a
// sampled tracer provider with optional stdout span export for
// debugging, and a meter provider bridged into the process Prometheus
// registry so OTel instruments and native collectors share one
// /metrics endpoint.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// Config controls the telemetry provider.
type Config struct {
	// Enabled turns the SDK on. A disabled provider hands out no-op
	// tracers but still serves the metrics endpoint.
	Enabled bool

	// ServiceName labels exported telemetry. Default maestro.
	ServiceName string

	// ServiceVersion labels exported telemetry. Default dev.
	ServiceVersion string

	// StdoutTrace additionally writes finished spans to stdout.
	StdoutTrace bool

	// SampleRate is the head sampling rate in [0, 1]. Values at or
	// above 1 sample everything; values at or below 0 sample nothing.
	SampleRate float64
}

// Provider owns the tracer and meter providers for the process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	logger *slog.Logger
}

// New creates the provider and installs it as the process-global
// OpenTelemetry provider. OTel instruments are exported through the
// default Prometheus registry.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	return newProvider(cfg, logger, prometheus.DefaultRegisterer)
}

func newProvider(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "maestro"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}

	p := &Provider{logger: logger.With("component", "tracing")}
	if !cfg.Enabled {
		return p, nil
	}

	// Merge with the default resource; the schema URL stays empty to
	// avoid merge conflicts across semconv versions.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, &maestroerrors.ConfigError{Key: "telemetry.service_name", Reason: "cannot build telemetry resource", Cause: err}
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	}
	if cfg.StdoutTrace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, &maestroerrors.ConfigError{Key: "telemetry.stdout_trace", Reason: "cannot create stdout span exporter", Cause: err}
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	p.tp = sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, &maestroerrors.ConfigError{Key: "telemetry.metrics", Reason: "cannot create prometheus exporter", Cause: err}
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(p.mp)

	if err := p.registerUptime(); err != nil {
		return nil, err
	}

	p.logger.Info("telemetry provider started",
		"service", cfg.ServiceName,
		"sample_rate", cfg.SampleRate,
		"stdout_trace", cfg.StdoutTrace)
	return p, nil
}

// registerUptime exports seconds since provider start, mostly so a
// scrape proves the OTel metric path end to end.
func (p *Provider) registerUptime() error {
	meter := p.mp.Meter("maestro/daemon")
	start := time.Now()

	uptime, err := meter.Float64ObservableGauge("maestro.daemon.uptime",
		metric.WithUnit("s"),
		metric.WithDescription("Seconds since the telemetry provider started."))
	if err != nil {
		return &maestroerrors.ConfigError{Key: "telemetry.metrics", Reason: "cannot register uptime gauge", Cause: err}
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(uptime, time.Since(start).Seconds())
		return nil
	}, uptime)
	if err != nil {
		return &maestroerrors.ConfigError{Key: "telemetry.metrics", Reason: "cannot register uptime callback", Cause: err}
	}
	return nil
}

// newSampler maps a head sample rate onto an SDK sampler. Children
// follow their parent's decision so traces stay whole.
func newSampler(rate float64) sdktrace.Sampler {
	if rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns a tracer for the given instrumentation scope. It is
// a no-op tracer when the provider is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// MetricsHandler serves the process Prometheus registry: native
// collectors and bridged OTel instruments together.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ForceFlush exports pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.ForceFlush(ctx); err != nil {
			return err
		}
	}
	if p.mp != nil {
		return p.mp.ForceFlush(ctx)
	}
	return nil
}

// Shutdown flushes and releases the providers. Safe to call on a
// disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.mp != nil {
		return p.mp.Shutdown(ctx)
	}
	return nil
}
