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

// PostgreSQL is the dialect singleton for PostgreSQL 12+.
var PostgreSQL Dialect = postgresDialect{}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (d postgresDialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (postgresDialect) Now() string { return "NOW()" }

func (postgresDialect) Interval(value int, unit string) (string, error) {
	u, err := normalizeUnit(unit)
	if err != nil {
		return "", err
	}
	op := "+"
	if value < 0 {
		op = "-"
	}
	return fmt.Sprintf("NOW() %s INTERVAL '%d %s'", op, abs(value), u), nil
}

func (d postgresDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(keyCols, ", "))
}

func (d postgresDialect) Upsert(table string, cols, pkCols, updateCols []string) string {
	set := joinAssignments(updateCols, func(c string) string {
		return fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	})
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(pkCols, ", "), set)
}

func (postgresDialect) JSONSet(col, path, valueExpr string) (string, error) {
	pgPath := strings.ReplaceAll(path, ".", ",")
	return fmt.Sprintf("jsonb_set(%s, '{%s}', to_jsonb(%s), true)", col, pgPath, valueExpr), nil
}

func (postgresDialect) Limit(n int) string { return fmt.Sprintf("LIMIT %d", n) }

func (postgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }

func (postgresDialect) BooleanTrue() string { return "TRUE" }

func (postgresDialect) BooleanFalse() string { return "FALSE" }

func (postgresDialect) TableExistsQuery(name string) (string, []any) {
	return "SELECT tablename FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1",
		[]any{name}
}
