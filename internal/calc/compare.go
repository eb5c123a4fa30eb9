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

package calc

import (
	"encoding/json"
	"sort"

	"github.com/spine-io/spine/internal/storage"
)

// auditColumns are stamped by the write path, not computed from
// inputs, so replay comparison ignores them.
var auditColumns = map[string]struct{}{
	"calculated_at": {},
	"ingested_at":   {},
	"normalized_at": {},
	"id":            {},
	"rn":            {},
	"updated_at":    {},
}

// RowsEqualDeterministic reports whether two result sets carry the
// same calculated values, ignoring row order and audit columns. It is
// the contract behind replay: rerunning a stage over the same inputs
// must produce a set for which this holds against the first run.
func RowsEqualDeterministic(a, b []storage.Row) bool {
	if len(a) != len(b) {
		return false
	}
	ca := canonicalize(a)
	cb := canonicalize(b)
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

func canonicalize(rows []storage.Row) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		stripped := make(map[string]any, len(row))
		for col, value := range row {
			if _, audit := auditColumns[col]; audit {
				continue
			}
			stripped[col] = value
		}
		// Row values are already normalized to JSON-safe scalars;
		// map keys marshal sorted.
		data, err := json.Marshal(stripped)
		if err != nil {
			out = append(out, "unserializable")
			continue
		}
		out = append(out, string(data))
	}
	sort.Strings(out)
	return out
}
