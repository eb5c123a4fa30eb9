// Copyright 2025 the Spine Authors
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

// Package tracing wires the OpenTelemetry SDK into the daemon: a
// tracer provider carrying the service resource and sampler, an
// optional stdout span exporter for development, and a meter provider
// bridged to the Prometheus registry. Providers are installed
// globally, so instrumented packages reach them through otel.Tracer
// without plumbing.
package tracing

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/pkg/errors"
)

// Provider owns the SDK tracer and meter providers for shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewProvider builds the providers and installs them as the process
// globals. Extra opts are appended after the resource and sampler;
// tests use them to inject a span recorder.
func NewProvider(cfg config.TracingConfig, version string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "spined"
	}

	// The merged resource keeps an empty schema URL: merging two
	// resources with different URLs is an error in the SDK.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, errors.NewConfig(errors.SubInvalid, "observability.tracing", err.Error())
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.StdoutExporter {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, errors.NewConfig(errors.SubInvalid, "observability.tracing", err.Error())
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		tp.Shutdown(context.Background())
		return nil, errors.NewConfig(errors.SubInvalid, "observability.tracing", err.Error())
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp}, nil
}

// Shutdown flushes pending spans and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if merr := p.mp.Shutdown(ctx); err == nil {
		err = merr
	}
	return err
}

// ForceFlush exports pending telemetry synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	err := p.tp.ForceFlush(ctx)
	if merr := p.mp.ForceFlush(ctx); err == nil {
		err = merr
	}
	return err
}

// MetricsHandler serves the Prometheus scrape endpoint. The exporter
// registers with the default registry, same as the promauto counters
// scattered through the packages, so one handler covers both.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
