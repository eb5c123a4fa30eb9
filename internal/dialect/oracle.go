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

// Oracle is the dialect singleton for Oracle 19c+.
var Oracle Dialect = oracleDialect{}

type oracleDialect struct{}

func (oracleDialect) Name() string { return "oracle" }

func (oracleDialect) Placeholder(i int) string { return fmt.Sprintf(":%d", i) }

func (d oracleDialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (oracleDialect) Now() string { return "SYSTIMESTAMP" }

func (oracleDialect) Interval(value int, unit string) (string, error) {
	u, err := normalizeUnit(unit)
	if err != nil {
		return "", err
	}
	op := "+"
	if value < 0 {
		op = "-"
	}
	return fmt.Sprintf("SYSTIMESTAMP %s INTERVAL '%d' %s", op, abs(value), strings.ToUpper(u)), nil
}

func (d oracleDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return d.merge(table, cols, keyCols, nil)
}

func (d oracleDialect) Upsert(table string, cols, pkCols, updateCols []string) string {
	return d.merge(table, cols, pkCols, updateCols)
}

func (d oracleDialect) merge(table string, cols, keyCols, updateCols []string) string {
	var b strings.Builder

	selects := make([]string, len(cols))
	for i, c := range cols {
		selects[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), c)
	}
	fmt.Fprintf(&b, "MERGE INTO %s t USING (SELECT %s FROM dual) s ON (",
		table, strings.Join(selects, ", "))

	on := make([]string, len(keyCols))
	for i, k := range keyCols {
		on[i] = fmt.Sprintf("t.%s = s.%s", k, k)
	}
	b.WriteString(strings.Join(on, " AND "))
	b.WriteString(")")

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

func (oracleDialect) JSONSet(col, path, valueExpr string) (string, error) {
	return fmt.Sprintf("JSON_TRANSFORM(%s, SET '$.%s' = %s)", col, path, valueExpr), nil
}

func (oracleDialect) Limit(n int) string { return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n) }

func (oracleDialect) AutoIncrement() string {
	return "NUMBER GENERATED ALWAYS AS IDENTITY PRIMARY KEY"
}

// Oracle has no SQL boolean literal before 23c; flags are NUMBER(1).
func (oracleDialect) BooleanTrue() string { return "1" }

func (oracleDialect) BooleanFalse() string { return "0" }

func (oracleDialect) TableExistsQuery(name string) (string, []any) {
	return "SELECT table_name FROM user_tables WHERE table_name = UPPER(:1)", []any{name}
}
