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

package otc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/pkg/errors"
)

const weeklyDrop = `{
  "week_start": "2025-12-26",
  "tier": "OTC",
  "records": [
    {"symbol": "AAPL", "venue": "NSDQ", "shares": 100, "trades": 10},
    {"symbol": "MSFT", "venue": "NYSE", "shares": 50, "trades": 5},
    {"symbol": "AAPL", "venue": "NSDQ", "shares": 20, "trades": 2}
  ]
}`

func TestIngestWritesRawRows(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	partition, captureID := mustIngest(t, repo, stages, weeklyDrop)
	if partition != "2025-12-26|OTC" {
		t.Errorf("partition = %q, want 2025-12-26|OTC", partition)
	}
	if captureID == "" {
		t.Fatal("ingest reported no capture id")
	}

	row, err := repo.QueryOne(ctx,
		"SELECT COUNT(*) AS n FROM otc_trades_raw WHERE capture_id = "+repo.Dialect().Placeholder(1),
		captureID)
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if row.Int64("n") != 3 {
		t.Errorf("raw rows = %d, want 3", row.Int64("n"))
	}

	m := manifest.New(repo, Domain, stages)
	ingested, err := m.IsAtLeast(ctx, partition, StageIngested)
	if err != nil {
		t.Fatalf("IsAtLeast() error = %v", err)
	}
	if !ingested {
		t.Error("partition should be at INGESTED")
	}

	recorded, err := stageCaptureID(ctx, m, partition, StageIngested)
	if err != nil {
		t.Fatalf("stageCaptureID() error = %v", err)
	}
	if recorded != captureID {
		t.Errorf("manifest capture = %q, want %q", recorded, captureID)
	}
}

func TestIngestSameDropSkips(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)

	_, captureID := mustIngest(t, repo, stages, weeklyDrop)

	res, err := NewIngest(repo, stages).Run(context.Background(),
		pipeline.Params{"path": writeDrop(t, weeklyDrop)}, testExec())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("status = %s, want SKIPPED", res.Status)
	}

	// The skip is keyed on content, so the reason names the same capture.
	if !strings.Contains(res.Message, captureID) {
		t.Errorf("skip message %q does not name capture %s", res.Message, captureID)
	}
}

func TestIngestForceRewritesSameCapture(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	_, captureID := mustIngest(t, repo, stages, weeklyDrop)

	res, err := NewIngest(repo, stages).Run(ctx,
		pipeline.Params{"path": writeDrop(t, weeklyDrop), "force": true}, testExec())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", res.Status, res.Message)
	}
	if res.Metrics["capture_id"] != captureID {
		t.Errorf("forced capture = %v, want %s (same payload, same identity)", res.Metrics["capture_id"], captureID)
	}

	// The forced rerun replaced the capture's rows, not doubled them.
	row, err := repo.QueryOne(ctx,
		"SELECT COUNT(*) AS n FROM otc_trades_raw WHERE capture_id = "+repo.Dialect().Placeholder(1),
		captureID)
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if row.Int64("n") != 3 {
		t.Errorf("raw rows = %d, want 3", row.Int64("n"))
	}
}

func TestIngestChangedDropIsNewCapture(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	partition, first := mustIngest(t, repo, stages, weeklyDrop)

	changed := `{
	  "week_start": "2025-12-26",
	  "tier": "OTC",
	  "records": [
	    {"symbol": "AAPL", "venue": "NSDQ", "shares": 120, "trades": 11}
	  ]
	}`
	_, second := mustIngest(t, repo, stages, changed)
	if second == first {
		t.Fatal("changed payload should yield a new capture id")
	}

	// The manifest points at the latest capture; the raw table keeps
	// both captures' rows.
	m := manifest.New(repo, Domain, stages)
	recorded, err := stageCaptureID(ctx, m, partition, StageIngested)
	if err != nil {
		t.Fatalf("stageCaptureID() error = %v", err)
	}
	if recorded != second {
		t.Errorf("manifest capture = %q, want %q", recorded, second)
	}

	row, err := repo.QueryOne(ctx,
		"SELECT COUNT(DISTINCT capture_id) AS n FROM otc_trades_raw")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if row.Int64("n") != 2 {
		t.Errorf("distinct captures = %d, want 2", row.Int64("n"))
	}
}

func TestIngestParamsOverrideDrop(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)

	res, err := NewIngest(repo, stages).Run(context.Background(), pipeline.Params{
		"path":       writeDrop(t, weeklyDrop),
		"week_start": "2026-01-02",
		"tier":       "T1",
	}, testExec())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if got := res.Metrics["partition_key"]; got != "2026-01-02|T1" {
		t.Errorf("partition = %v, want 2026-01-02|T1", got)
	}
}

func TestIngestMissingFile(t *testing.T) {
	repo := newTestRepo(t)

	_, err := NewIngest(repo, testStages(t)).Run(context.Background(),
		pipeline.Params{"path": filepath.Join(t.TempDir(), "missing.json")}, testExec())
	if err == nil {
		t.Fatal("Run() should error on a missing drop file")
	}

	var classified *errors.Error
	if !errors.As(err, &classified) || classified.Kind != errors.KindSource {
		t.Errorf("error = %v, want source kind", err)
	}
}

func TestIngestBadPayloads(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	tests := []struct {
		name string
		drop string
	}{
		{"not json", `{"week_start": "2025-12-26", "records": [`},
		{"no partition", `{"records": [{"symbol": "AAPL", "venue": "NSDQ", "shares": 1, "trades": 1}]}`},
		{"bad week", `{"week_start": "next friday", "tier": "OTC", "records": []}`},
		{"bad tier", `{"week_start": "2025-12-26", "tier": "PINK", "records": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewIngest(repo, stages).Run(ctx,
				pipeline.Params{"path": writeDrop(t, tt.drop)}, testExec())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Status != pipeline.StatusFailed {
				t.Errorf("status = %s, want FAILED", res.Status)
			}
		})
	}
}

func TestIngestSpecPartition(t *testing.T) {
	spec := NewIngest(nil, nil).Spec()

	// A drop names its own partition, so submitting with only a path
	// takes no lease.
	if got := spec.PartitionKey(pipeline.Params{"path": "drop.json"}); got != "" {
		t.Errorf("PartitionKey = %q, want empty", got)
	}
	if got := spec.PartitionKey(pipeline.Params{"week_start": "2025-12-26", "tier": "OTC"}); got != "2025-12-26|OTC" {
		t.Errorf("PartitionKey = %q", got)
	}

	resolved, err := spec.Resolve(pipeline.Params{"path": "drop.json", "week": "2025-12-26"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved["week_start"] != "2025-12-26" {
		t.Errorf("alias week not folded: %v", resolved)
	}
}
