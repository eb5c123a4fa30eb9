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

package dialect

import (
	"fmt"
	"strings"
)

// SQLite is the dialect singleton for SQLite 3.24+.
var SQLite Dialect = sqliteDialect{}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(i int) string { return "?" }

func (sqliteDialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (sqliteDialect) Now() string { return "CURRENT_TIMESTAMP" }

func (sqliteDialect) Interval(value int, unit string) (string, error) {
	u, err := normalizeUnit(unit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("datetime('now', '%+d %ss')", value, u), nil
}

func (d sqliteDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)))
}

func (d sqliteDialect) Upsert(table string, cols, pkCols, updateCols []string) string {
	set := joinAssignments(updateCols, func(c string) string {
		return fmt.Sprintf("%s = excluded.%s", c, c)
	})
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(pkCols, ", "), set)
}

func (sqliteDialect) JSONSet(col, path, valueExpr string) (string, error) {
	return fmt.Sprintf("json_set(%s, '$.%s', %s)", col, path, valueExpr), nil
}

func (sqliteDialect) Limit(n int) string { return fmt.Sprintf("LIMIT %d", n) }

func (sqliteDialect) AutoIncrement() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (sqliteDialect) BooleanTrue() string { return "1" }

func (sqliteDialect) BooleanFalse() string { return "0" }

func (sqliteDialect) TableExistsQuery(name string) (string, []any) {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", []any{name}
}
