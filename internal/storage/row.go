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
	"strconv"
	"time"
)

// Row is a single result row keyed by column name. Values are normalized
// across drivers: []byte becomes string and time.Time becomes an RFC 3339
// string in UTC, so the same query returns the same shapes on SQLite and
// PostgreSQL.
type Row map[string]any

// timeFormats lists the wire formats a timestamp column may carry.
// RFC 3339 is what FormatTime writes; the space-separated form is what
// SQL-side CURRENT_TIMESTAMP renders on SQLite.
var timeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatTime renders a timestamp the way Spine binds and stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp in any of the accepted formats.
func ParseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeFormats {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// normalizeValue folds driver-specific scan types into the portable set:
// nil, bool, int64, float64, string.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return FormatTime(val)
	default:
		return v
	}
}

// Has reports whether the column is present in the row, NULL or not.
func (r Row) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// IsNull reports whether the column is present and NULL.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return ok && v == nil
}

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int64 returns the column as an int64, or 0 when absent, NULL, or not
// numeric. PostgreSQL aggregates like SUM return NUMERIC, which arrives
// as a string; that is parsed here.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

// Float64 returns the column as a float64, or 0 when absent or NULL.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Bool returns the column as a bool. SQLite stores booleans as 0/1
// integers; PostgreSQL returns native bools.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "t" || v == "1"
	default:
		return false
	}
}

// Time parses the column as a timestamp.
func (r Row) Time(col string) (time.Time, error) {
	switch v := r[col].(type) {
	case string:
		return ParseTime(v)
	case time.Time:
		return v, nil
	default:
		return time.Time{}, ErrNotTime
	}
}
