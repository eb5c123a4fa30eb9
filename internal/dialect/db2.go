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

// DB2 is the dialect singleton for Db2 LUW 11.5+.
var DB2 Dialect = db2Dialect{}

type db2Dialect struct{}

func (db2Dialect) Name() string { return "db2" }

func (db2Dialect) Placeholder(i int) string { return "?" }

func (db2Dialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (db2Dialect) Now() string { return "CURRENT TIMESTAMP" }

func (db2Dialect) Interval(value int, unit string) (string, error) {
	u, err := normalizeUnit(unit)
	if err != nil {
		return "", err
	}
	op := "+"
	if value < 0 {
		op = "-"
	}
	return fmt.Sprintf("CURRENT TIMESTAMP %s %d %sS", op, abs(value), strings.ToUpper(u)), nil
}

// InsertOrIgnore and Upsert both render MERGE statements; Db2 has no
// ON CONFLICT form.
func (d db2Dialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return d.merge(table, cols, keyCols, nil)
}

func (d db2Dialect) Upsert(table string, cols, pkCols, updateCols []string) string {
	return d.merge(table, cols, pkCols, updateCols)
}

func (d db2Dialect) merge(table string, cols, keyCols, updateCols []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "MERGE INTO %s AS t USING (VALUES (%s)) AS s (%s) ON ",
		table, d.Placeholders(len(cols)), strings.Join(cols, ", "))

	on := make([]string, len(keyCols))
	for i, k := range keyCols {
		on[i] = fmt.Sprintf("t.%s = s.%s", k, k)
	}
	b.WriteString(strings.Join(on, " AND "))

	if len(updateCols) > 0 {
		set := joinAssignments(updateCols, func(c string) string {
			return fmt.Sprintf("t.%s = s.%s", c, c)
		})
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", set)
	}

	sourceCols := make([]string, len(cols))
	for i, c := range cols {
		sourceCols[i] = "s." + c
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(sourceCols, ", "))

	return b.String()
}

// JSONSet is not expressible in Db2 SQL; callers fall back to rewriting
// the whole document column.
func (db2Dialect) JSONSet(col, path, valueExpr string) (string, error) {
	return "", fmt.Errorf("%w: db2 json_set", ErrUnsupported)
}

func (db2Dialect) Limit(n int) string { return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n) }

func (db2Dialect) AutoIncrement() string {
	return "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"
}

func (db2Dialect) BooleanTrue() string { return "TRUE" }

func (db2Dialect) BooleanFalse() string { return "FALSE" }

func (db2Dialect) TableExistsQuery(name string) (string, []any) {
	return "SELECT tabname FROM syscat.tables WHERE tabschema = CURRENT SCHEMA AND tabname = UPPER(?)",
		[]any{name}
}
