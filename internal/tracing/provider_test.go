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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/spine-io/spine/internal/config"
)

func TestNewProvider_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(config.TracingConfig{ServiceName: "spine-test", SampleRatio: 1}, "test",
		sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := otel.Tracer("spine/test").Start(context.Background(), "pipeline.execute")
	span.SetStatus(codes.Error, "backend flaked")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.execute", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "backend flaked", spans[0].Status.Description)
}

func TestNewProvider_ZeroRatioDropsRootSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(config.TracingConfig{SampleRatio: 0}, "test",
		sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := otel.Tracer("spine/test").Start(context.Background(), "never.sampled")
	span.End()

	assert.Empty(t, exporter.GetSpans())
}

func TestProvider_MetricsHandler(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{ServiceName: "spine-test", SampleRatio: 1}, "test")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.MetricsHandler())
}
