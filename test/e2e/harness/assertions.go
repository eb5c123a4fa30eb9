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

package harness

import (
	"context"
	"testing"

	"github.com/spine-io/spine/internal/dispatch"
)

// AssertStatus fails the test unless the execution landed with the
// expected status. The message carries the terminal event detail.
func (h *Harness) AssertStatus(t *testing.T, exec dispatch.Execution, want dispatch.Status) {
	t.Helper()

	if exec.Status != want {
		t.Fatalf("%s landed %s, want %s: %s", exec.Pipeline, exec.Status, want, h.TerminalMessage(exec))
	}
}

// AssertManifestStage fails the test unless the partition has an exact
// row for the stage.
func (h *Harness) AssertManifestStage(t *testing.T, partitionKey, stage string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	ok, err := h.Manifest().HasStage(ctx, partitionKey, stage)
	if err != nil {
		t.Fatalf("manifest HasStage(%s, %s): %v", partitionKey, stage, err)
	}
	if !ok {
		t.Fatalf("partition %s has no manifest row for stage %s", partitionKey, stage)
	}
}

// AssertRowCount fails the test unless the table holds exactly want
// rows matching the clause. SQLite-only, so clauses use ? placeholders.
func (h *Harness) AssertRowCount(t *testing.T, want int64, table, where string, args ...any) {
	t.Helper()

	got := h.RowCount(table, where, args...)
	if got != want {
		t.Fatalf("%s WHERE %q: got %d rows, want %d", table, where, got, want)
	}
}

// AssertDataReady fails the test unless IsDataReady reports the wanted
// verdict for the partition.
func (h *Harness) AssertDataReady(t *testing.T, partitionKey string, want bool) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	ready, issues, err := h.Readiness().IsDataReady(ctx, partitionKey)
	if err != nil {
		t.Fatalf("IsDataReady(%s): %v", partitionKey, err)
	}
	if ready != want {
		t.Fatalf("IsDataReady(%s) = %v (issues %v), want %v", partitionKey, ready, issues, want)
	}
	return issues
}
