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

// MySQL is the dialect singleton for MySQL 8+.
var MySQL Dialect = mysqlDialect{}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) Placeholder(i int) string { return "?" }

func (mysqlDialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (mysqlDialect) Now() string { return "NOW()" }

func (mysqlDialect) Interval(value int, unit string) (string, error) {
	u, err := normalizeUnit(unit)
	if err != nil {
		return "", err
	}
	fn := "DATE_ADD"
	if value < 0 {
		fn = "DATE_SUB"
	}
	return fmt.Sprintf("%s(NOW(), INTERVAL %d %s)", fn, abs(value), strings.ToUpper(u)), nil
}

func (d mysqlDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)))
}

func (d mysqlDialect) Upsert(table string, cols, pkCols, updateCols []string) string {
	set := joinAssignments(updateCols, func(c string) string {
		return fmt.Sprintf("%s = VALUES(%s)", c, c)
	})
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)), set)
}

func (mysqlDialect) JSONSet(col, path, valueExpr string) (string, error) {
	return fmt.Sprintf("JSON_SET(%s, '$.%s', %s)", col, path, valueExpr), nil
}

func (mysqlDialect) Limit(n int) string { return fmt.Sprintf("LIMIT %d", n) }

func (mysqlDialect) AutoIncrement() string { return "BIGINT AUTO_INCREMENT PRIMARY KEY" }

func (mysqlDialect) BooleanTrue() string { return "TRUE" }

func (mysqlDialect) BooleanFalse() string { return "FALSE" }

func (mysqlDialect) TableExistsQuery(name string) (string, []any) {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		[]any{name}
}
