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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/pkg/errors"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := Open(context.Background(), config.StorageConfig{
		Backend:     config.BackendSQLite,
		DatabaseURL: ":memory:",
	}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if err := repo.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return repo
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{
		Backend:     "oracle",
		DatabaseURL: "whatever",
	}, nil)
	if err == nil {
		t.Fatal("Open() with oracle backend should fail, no driver is wired")
	}
	if errors.KindOf(err) != errors.KindConfig {
		t.Errorf("error kind = %v, want %v", errors.KindOf(err), errors.KindConfig)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	repo := newTestRepo(t)

	// Second run must be a no-op, not an error.
	if err := repo.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	rows, err := repo.Query(context.Background(), "SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'core_%' ORDER BY name")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	want := []string{
		"core_anomalies",
		"core_data_readiness",
		"core_execution_events",
		"core_executions",
		"core_manifest",
		"core_quality",
		"core_rejects",
		"core_schema_migrations",
		"core_workflow_runs",
		"core_workflow_steps",
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d core tables, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if got := rows[i].String("name"); got != w {
			t.Errorf("table[%d] = %q, want %q", i, got, w)
		}
	}
}

func TestInsertAndQueryOne(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Date(2025, 12, 26, 10, 30, 0, 0, time.UTC)
	_, err := repo.Insert(ctx, "core_manifest", map[string]any{
		"domain":        "finra.otc",
		"partition_key": "2025-12-26|OTC",
		"stage":         "INGESTED",
		"stage_rank":    1,
		"row_count":     42,
		"execution_id":  "exec-1",
		"batch_id":      "batch-1",
		"updated_at":    now,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	row, err := repo.QueryOne(ctx,
		"SELECT * FROM core_manifest WHERE domain = ? AND partition_key = ?",
		"finra.otc", "2025-12-26|OTC")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}

	if got := row.String("stage"); got != "INGESTED" {
		t.Errorf("stage = %q, want INGESTED", got)
	}
	if got := row.Int64("stage_rank"); got != 1 {
		t.Errorf("stage_rank = %d, want 1", got)
	}
	if got := row.Int64("row_count"); got != 42 {
		t.Errorf("row_count = %d, want 42", got)
	}
	ts, err := row.Time("updated_at")
	if err != nil {
		t.Fatalf("Time(updated_at) error = %v", err)
	}
	if !ts.Equal(now) {
		t.Errorf("updated_at = %v, want %v", ts, now)
	}
}

func TestQueryOne_NoRows(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.QueryOne(context.Background(),
		"SELECT * FROM core_manifest WHERE domain = ?", "nope")
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("QueryOne() error = %v, want ErrNoRows", err)
	}
}

func TestInsertMany_Chunked(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// 500 rows x 5 columns = 2500 binds, forcing multiple chunks.
	rows := make([]map[string]any, 500)
	for i := range rows {
		rows[i] = map[string]any{
			"domain":        "finra.otc",
			"stage":         "NORMALIZED",
			"reason_code":   "MISSING_VENUE",
			"partition_key": "2025-12-26|OTC",
			"captured_at":   "2025-12-26T00:00:00Z",
		}
	}

	n, err := repo.InsertMany(ctx, "core_rejects", rows)
	if err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	if n != 500 {
		t.Errorf("InsertMany() = %d rows, want 500", n)
	}

	row, err := repo.QueryOne(ctx, "SELECT COUNT(*) AS n FROM core_rejects")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if got := row.Int64("n"); got != 500 {
		t.Errorf("count = %d, want 500", got)
	}
}

func TestInsertMany_MixedShapes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n, err := repo.InsertMany(ctx, "core_rejects", []map[string]any{
		{
			"domain":        "finra.otc",
			"stage":         "NORMALIZED",
			"reason_code":   "MISSING_VENUE",
			"reason_detail": "venue column empty",
			"partition_key": "2025-12-26|OTC",
			"captured_at":   "2025-12-26T00:00:00Z",
		},
		{
			// No reason_detail; the union column binds NULL here.
			"domain":        "finra.otc",
			"stage":         "NORMALIZED",
			"reason_code":   "BAD_SHARES",
			"partition_key": "2025-12-26|OTC",
			"captured_at":   "2025-12-26T00:00:00Z",
		},
	})
	if err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	if n != 2 {
		t.Errorf("InsertMany() = %d rows, want 2", n)
	}

	row, err := repo.QueryOne(ctx,
		"SELECT reason_detail FROM core_rejects WHERE reason_code = ?", "BAD_SHARES")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if !row.IsNull("reason_detail") {
		t.Errorf("reason_detail = %v, want NULL", row["reason_detail"])
	}
}

func TestInsertMany_Empty(t *testing.T) {
	repo := newTestRepo(t)

	n, err := repo.InsertMany(context.Background(), "core_rejects", nil)
	if err != nil {
		t.Fatalf("InsertMany(nil) error = %v", err)
	}
	if n != 0 {
		t.Errorf("InsertMany(nil) = %d, want 0", n)
	}
}

func TestWithTx_Commit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(q Querier) error {
		_, err := q.Insert(ctx, "core_executions", map[string]any{
			"id":         "exec-1",
			"pipeline":   "otc.ingest",
			"status":     "PENDING",
			"started_at": "2025-12-26T00:00:00Z",
		})
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	if _, err := repo.QueryOne(ctx, "SELECT id FROM core_executions WHERE id = ?", "exec-1"); err != nil {
		t.Errorf("committed row not visible: %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := repo.WithTx(ctx, func(q Querier) error {
		if _, err := q.Insert(ctx, "core_executions", map[string]any{
			"id":         "exec-rollback",
			"pipeline":   "otc.ingest",
			"status":     "PENDING",
			"started_at": "2025-12-26T00:00:00Z",
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}

	_, err = repo.QueryOne(ctx, "SELECT id FROM core_executions WHERE id = ?", "exec-rollback")
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("rolled-back row still visible, err = %v", err)
	}
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate out of WithTx")
			}
		}()
		_ = repo.WithTx(ctx, func(q Querier) error {
			_, _ = q.Insert(ctx, "core_executions", map[string]any{
				"id":         "exec-panic",
				"pipeline":   "otc.ingest",
				"status":     "PENDING",
				"started_at": "2025-12-26T00:00:00Z",
			})
			panic("pipeline bug")
		})
	}()

	_, err := repo.QueryOne(ctx, "SELECT id FROM core_executions WHERE id = ?", "exec-panic")
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("row from panicked tx still visible, err = %v", err)
	}
}

func TestExecute_IntegrityViolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	values := map[string]any{
		"domain":        "finra.otc",
		"partition_key": "2025-12-26|OTC",
		"stage":         "INGESTED",
		"stage_rank":    1,
		"updated_at":    "2025-12-26T00:00:00Z",
	}
	if _, err := repo.Insert(ctx, "core_manifest", values); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	_, err := repo.Insert(ctx, "core_manifest", values)
	if err == nil {
		t.Fatal("duplicate primary key insert should fail")
	}
	classified := errors.AsClassified(err)
	if classified == nil {
		t.Fatalf("error %v is not classified", err)
	}
	if classified.Kind != errors.KindStorage || classified.Subcategory != errors.SubIntegrity {
		t.Errorf("category = %s, want storage.integrity", classified.Category())
	}
	if classified.Retryable {
		t.Error("integrity violations must not be retryable")
	}
}

func TestDialectUpsert_AdvancesInPlace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	d := repo.Dialect()

	cols := []string{"domain", "partition_key", "stage", "stage_rank", "row_count", "updated_at"}
	stmt := d.Upsert("core_manifest", cols,
		[]string{"domain", "partition_key", "stage"},
		[]string{"stage_rank", "row_count", "updated_at"})

	for _, count := range []int64{10, 25} {
		if _, err := repo.Execute(ctx, stmt,
			"finra.otc", "2025-12-26|OTC", "INGESTED", 1, count, "2025-12-26T00:00:00Z"); err != nil {
			t.Fatalf("upsert error = %v", err)
		}
	}

	rows, err := repo.Query(ctx, "SELECT row_count FROM core_manifest")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert must not duplicate)", len(rows))
	}
	if got := rows[0].Int64("row_count"); got != 25 {
		t.Errorf("row_count = %d, want 25 after second upsert", got)
	}
}

func TestPh(t *testing.T) {
	repo := newTestRepo(t)
	if got := repo.Ph(3); got != "?, ?, ?" {
		t.Errorf("Ph(3) = %q, want %q", got, "?, ?, ?")
	}
}

func TestRowGetters(t *testing.T) {
	row := Row{
		"s":    "hello",
		"i":    int64(7),
		"f":    3.14,
		"b":    int64(1),
		"null": nil,
		"t":    "2025-12-26T10:30:00Z",
	}

	if row.String("s") != "hello" {
		t.Errorf("String(s) = %q", row.String("s"))
	}
	if row.String("missing") != "" {
		t.Error("String on missing column should be empty")
	}
	if row.Int64("i") != 7 {
		t.Errorf("Int64(i) = %d", row.Int64("i"))
	}
	if row.Float64("f") != 3.14 {
		t.Errorf("Float64(f) = %v", row.Float64("f"))
	}
	if !row.Bool("b") {
		t.Error("Bool(b) should be true for 1")
	}
	if !row.IsNull("null") {
		t.Error("IsNull(null) should be true")
	}
	if row.IsNull("missing") {
		t.Error("IsNull on missing column should be false")
	}
	if !row.Has("null") || row.Has("missing") {
		t.Error("Has() mismatch")
	}

	ts, err := row.Time("t")
	if err != nil {
		t.Fatalf("Time(t) error = %v", err)
	}
	want := time.Date(2025, 12, 26, 10, 30, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("Time(t) = %v, want %v", ts, want)
	}
}

func TestRowGetters_NumericStrings(t *testing.T) {
	// PostgreSQL aggregates return NUMERIC, which arrives as a string.
	row := Row{"n": "42", "f": "1.5", "big": "9.0"}

	if row.Int64("n") != 42 {
		t.Errorf("Int64(n) = %d, want 42", row.Int64("n"))
	}
	if row.Float64("f") != 1.5 {
		t.Errorf("Float64(f) = %v, want 1.5", row.Float64("f"))
	}
	if row.Int64("big") != 9 {
		t.Errorf("Int64(big) = %d, want 9", row.Int64("big"))
	}
}

func TestParseTime_Formats(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-12-26T10:30:00Z", time.Date(2025, 12, 26, 10, 30, 0, 0, time.UTC)},
		{"2025-12-26T10:30:00.5Z", time.Date(2025, 12, 26, 10, 30, 0, 500000000, time.UTC)},
		{"2025-12-26 10:30:00", time.Date(2025, 12, 26, 10, 30, 0, 0, time.UTC)},
		{"2025-12-26", time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if err != nil {
			t.Errorf("ParseTime(%q) error = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseTime("not a time"); err == nil {
		t.Error("ParseTime should fail on garbage")
	}
}
