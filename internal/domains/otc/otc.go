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

// Package otc is the weekly OTC market-data domain: ingest a venue
// volume drop, normalize and quarantine bad records, and aggregate
// per-venue shares under the venue_share calculation. The domain is
// deliberately small; it exists to push real data through every core
// subsystem, not to model the OTC feed completely.
package otc

import (
	"context"
	"log/slog"

	"github.com/spine-io/spine/internal/calc"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/storage"
)

// Domain is the manifest and pipeline namespace.
const Domain = "otc"

// Stage ladder, in rank order.
const (
	StageReceived   = "RECEIVED"
	StageIngested   = "INGESTED"
	StageNormalized = "NORMALIZED"
	StageAggregated = "AGGREGATED"
)

// CalcVenueShare names the domain's calculation catalog entry.
const CalcVenueShare = "venue_share"

// weekLayout is the partition date format: the Monday the week starts.
const weekLayout = "2006-01-02"

// Pipeline names, domain-prefixed per registry convention.
const (
	ingestName    = Domain + ".ingest"
	normalizeName = Domain + ".normalize"
	aggregateName = Domain + ".aggregate"
)

// tiers are the market tiers a drop may belong to.
var tiers = []string{"T1", "T2", "OTC"}

// Stages returns the domain's stage ladder.
func Stages() (*manifest.StageSet, error) {
	return manifest.NewStageSet(StageReceived, StageIngested, StageNormalized, StageAggregated)
}

// VenueShareDefinition declares the venue_share catalog entry: v10 is
// current, v1 is kept only so historical backfills can reproduce old
// output.
func VenueShareDefinition() calc.Definition {
	return calc.Definition{
		Name:         CalcVenueShare,
		Versions:     []string{"v1", "v2", "v10"},
		Current:      "v10",
		Deprecated:   []string{"v1"},
		BusinessKeys: []string{"week_start", "tier", "venue"},
		Table:        "otc_venue_share",
	}
}

// partitionKey joins week and tier the same way the pipeline specs do
// through their PartitionParams.
func partitionKey(weekStart, tier string) string {
	return weekStart + "|" + tier
}

// stageMetrics reads the manifest metrics a stage recorded, or nil
// when the partition has no row for that stage.
func stageMetrics(ctx context.Context, m *manifest.Manifest, partitionKey, stage string) (map[string]any, error) {
	records, err := m.Get(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Stage == stage {
			return rec.Metrics, nil
		}
	}
	return nil, nil
}

// stageCaptureID reads the capture id a stage recorded in its manifest
// metrics, or "" when the partition has no row (or no capture id) for
// that stage.
func stageCaptureID(ctx context.Context, m *manifest.Manifest, partitionKey, stage string) (string, error) {
	metrics, err := stageMetrics(ctx, m, partitionKey, stage)
	if err != nil {
		return "", err
	}
	id, _ := metrics["capture_id"].(string)
	return id, nil
}

func stringParam(params pipeline.Params, name string) string {
	s, _ := params[name].(string)
	return s
}

func boolParam(params pipeline.Params, name string) bool {
	switch v := params[name].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

// Loader registers the domain's pipelines on first use.
type Loader struct {
	repo   *storage.Repository
	calcs  *calc.Registry
	logger *slog.Logger
}

// NewLoader builds the domain loader. The calc registry gains the
// venue_share entry the first time Pipelines is called.
func NewLoader(repo *storage.Repository, calcs *calc.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{repo: repo, calcs: calcs, logger: log.WithComponent(logger, "otc")}
}

// Domain implements pipeline.Loader.
func (l *Loader) Domain() string { return Domain }

// Pipelines implements pipeline.Loader.
func (l *Loader) Pipelines() (map[string]pipeline.Factory, error) {
	venueShare, err := l.calcs.Get(CalcVenueShare)
	if err != nil {
		if err := l.calcs.Register(VenueShareDefinition()); err != nil {
			return nil, err
		}
		if venueShare, err = l.calcs.Get(CalcVenueShare); err != nil {
			return nil, err
		}
	}

	stages, err := Stages()
	if err != nil {
		return nil, err
	}

	l.logger.Debug("domain pipelines loaded", slog.String(log.DomainKey, Domain))
	return map[string]pipeline.Factory{
		ingestName:    func() (pipeline.Pipeline, error) { return NewIngest(l.repo, stages), nil },
		normalizeName: func() (pipeline.Pipeline, error) { return NewNormalize(l.repo, stages), nil },
		aggregateName: func() (pipeline.Pipeline, error) { return NewAggregate(l.repo, venueShare, stages), nil },
	}, nil
}
