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
	"errors"
	"strings"
	"testing"
)

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect Dialect
		first   string
		third   string
		list    string
	}{
		{SQLite, "?", "?", "?, ?, ?"},
		{PostgreSQL, "$1", "$3", "$1, $2, $3"},
		{MySQL, "?", "?", "?, ?, ?"},
		{DB2, "?", "?", "?, ?, ?"},
		{Oracle, ":1", ":3", ":1, :2, :3"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			if got := tt.dialect.Placeholder(1); got != tt.first {
				t.Errorf("Placeholder(1) = %q, want %q", got, tt.first)
			}
			if got := tt.dialect.Placeholder(3); got != tt.third {
				t.Errorf("Placeholder(3) = %q, want %q", got, tt.third)
			}
			if got := tt.dialect.Placeholders(3); got != tt.list {
				t.Errorf("Placeholders(3) = %q, want %q", got, tt.list)
			}
			if got := tt.dialect.Placeholders(0); got != "" {
				t.Errorf("Placeholders(0) = %q, want empty", got)
			}
		})
	}
}

func TestNow(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "CURRENT_TIMESTAMP"},
		{PostgreSQL, "NOW()"},
		{MySQL, "NOW()"},
		{DB2, "CURRENT TIMESTAMP"},
		{Oracle, "SYSTIMESTAMP"},
	}

	for _, tt := range tests {
		if got := tt.dialect.Now(); got != tt.want {
			t.Errorf("%s Now() = %q, want %q", tt.dialect.Name(), got, tt.want)
		}
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		dialect Dialect
		value   int
		unit    string
		want    string
	}{
		{SQLite, 5, "minute", "datetime('now', '+5 minutes')"},
		{SQLite, -7, "days", "datetime('now', '-7 days')"},
		{PostgreSQL, 5, "minute", "NOW() + INTERVAL '5 minute'"},
		{PostgreSQL, -1, "hour", "NOW() - INTERVAL '1 hour'"},
		{MySQL, 30, "seconds", "DATE_ADD(NOW(), INTERVAL 30 SECOND)"},
		{MySQL, -2, "day", "DATE_SUB(NOW(), INTERVAL 2 DAY)"},
		{DB2, 5, "minute", "CURRENT TIMESTAMP + 5 MINUTES"},
		{DB2, -3, "hour", "CURRENT TIMESTAMP - 3 HOURS"},
		{Oracle, 5, "minute", "SYSTIMESTAMP + INTERVAL '5' MINUTE"},
		{Oracle, -1, "day", "SYSTIMESTAMP - INTERVAL '1' DAY"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name()+"_"+tt.unit, func(t *testing.T) {
			got, err := tt.dialect.Interval(tt.value, tt.unit)
			if err != nil {
				t.Fatalf("Interval returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Interval(%d, %q) = %q, want %q", tt.value, tt.unit, got, tt.want)
			}
		})
	}

	t.Run("bad unit", func(t *testing.T) {
		for _, d := range []Dialect{SQLite, PostgreSQL, MySQL, DB2, Oracle} {
			if _, err := d.Interval(1, "fortnight"); !errors.Is(err, ErrBadInterval) {
				t.Errorf("%s Interval with bad unit: err = %v, want ErrBadInterval", d.Name(), err)
			}
		}
	})
}

func TestInsertOrIgnore(t *testing.T) {
	cols := []string{"domain", "partition_key", "stage"}
	keys := []string{"domain", "partition_key"}

	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "INSERT OR IGNORE INTO core_manifest (domain, partition_key, stage) VALUES (?, ?, ?)"},
		{PostgreSQL, "INSERT INTO core_manifest (domain, partition_key, stage) VALUES ($1, $2, $3) ON CONFLICT (domain, partition_key) DO NOTHING"},
		{MySQL, "INSERT IGNORE INTO core_manifest (domain, partition_key, stage) VALUES (?, ?, ?)"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			if got := tt.dialect.InsertOrIgnore("core_manifest", cols, keys); got != tt.want {
				t.Errorf("InsertOrIgnore =\n  %q\nwant\n  %q", got, tt.want)
			}
		})
	}

	t.Run("db2 merges", func(t *testing.T) {
		got := DB2.InsertOrIgnore("core_manifest", cols, keys)
		for _, frag := range []string{
			"MERGE INTO core_manifest AS t",
			"USING (VALUES (?, ?, ?)) AS s (domain, partition_key, stage)",
			"t.domain = s.domain AND t.partition_key = s.partition_key",
			"WHEN NOT MATCHED THEN INSERT",
		} {
			if !strings.Contains(got, frag) {
				t.Errorf("db2 merge missing %q in %q", frag, got)
			}
		}
		if strings.Contains(got, "WHEN MATCHED") {
			t.Errorf("insert-or-ignore must not update on match: %q", got)
		}
	})

	t.Run("oracle merges", func(t *testing.T) {
		got := Oracle.InsertOrIgnore("core_manifest", cols, keys)
		for _, frag := range []string{
			"MERGE INTO core_manifest t",
			"SELECT :1 AS domain, :2 AS partition_key, :3 AS stage FROM dual",
			"WHEN NOT MATCHED THEN INSERT",
		} {
			if !strings.Contains(got, frag) {
				t.Errorf("oracle merge missing %q in %q", frag, got)
			}
		}
	})
}

func TestUpsert(t *testing.T) {
	cols := []string{"domain", "partition_key", "stage", "stage_rank", "updated_at"}
	pk := []string{"domain", "partition_key", "stage"}
	update := []string{"stage_rank", "updated_at"}

	t.Run("sqlite", func(t *testing.T) {
		got := SQLite.Upsert("core_manifest", cols, pk, update)
		want := "INSERT INTO core_manifest (domain, partition_key, stage, stage_rank, updated_at) " +
			"VALUES (?, ?, ?, ?, ?) " +
			"ON CONFLICT(domain, partition_key, stage) DO UPDATE SET " +
			"stage_rank = excluded.stage_rank, updated_at = excluded.updated_at"
		if got != want {
			t.Errorf("Upsert =\n  %q\nwant\n  %q", got, want)
		}
	})

	t.Run("postgres", func(t *testing.T) {
		got := PostgreSQL.Upsert("core_manifest", cols, pk, update)
		want := "INSERT INTO core_manifest (domain, partition_key, stage, stage_rank, updated_at) " +
			"VALUES ($1, $2, $3, $4, $5) " +
			"ON CONFLICT (domain, partition_key, stage) DO UPDATE SET " +
			"stage_rank = EXCLUDED.stage_rank, updated_at = EXCLUDED.updated_at"
		if got != want {
			t.Errorf("Upsert =\n  %q\nwant\n  %q", got, want)
		}
	})

	t.Run("mysql", func(t *testing.T) {
		got := MySQL.Upsert("core_manifest", cols, pk, update)
		want := "INSERT INTO core_manifest (domain, partition_key, stage, stage_rank, updated_at) " +
			"VALUES (?, ?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE stage_rank = VALUES(stage_rank), updated_at = VALUES(updated_at)"
		if got != want {
			t.Errorf("Upsert =\n  %q\nwant\n  %q", got, want)
		}
	})

	t.Run("db2 and oracle update on match", func(t *testing.T) {
		for _, d := range []Dialect{DB2, Oracle} {
			got := d.Upsert("core_manifest", cols, pk, update)
			if !strings.Contains(got, "WHEN MATCHED THEN UPDATE SET t.stage_rank = s.stage_rank, t.updated_at = s.updated_at") {
				t.Errorf("%s upsert missing update clause: %q", d.Name(), got)
			}
			if !strings.Contains(got, "WHEN NOT MATCHED THEN INSERT") {
				t.Errorf("%s upsert missing insert clause: %q", d.Name(), got)
			}
		}
	})
}

func TestJSONSet(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "json_set(metrics_json, '$.row_count', ?)"},
		{MySQL, "JSON_SET(metrics_json, '$.row_count', ?)"},
		{PostgreSQL, "jsonb_set(metrics_json, '{row_count}', to_jsonb($1), true)"},
		{Oracle, "JSON_TRANSFORM(metrics_json, SET '$.row_count' = :1)"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			got, err := tt.dialect.JSONSet("metrics_json", "row_count", tt.dialect.Placeholder(1))
			if err != nil {
				t.Fatalf("JSONSet returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("JSONSet = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("db2 unsupported", func(t *testing.T) {
		if _, err := DB2.JSONSet("metrics_json", "row_count", "?"); !errors.Is(err, ErrUnsupported) {
			t.Errorf("db2 JSONSet err = %v, want ErrUnsupported", err)
		}
	})
}

func TestLimit(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "LIMIT 1"},
		{PostgreSQL, "LIMIT 1"},
		{MySQL, "LIMIT 1"},
		{DB2, "FETCH FIRST 1 ROWS ONLY"},
		{Oracle, "FETCH FIRST 1 ROWS ONLY"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			if got := tt.dialect.Limit(1); got != tt.want {
				t.Errorf("Limit(1) = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBooleansAndIdentity(t *testing.T) {
	tests := []struct {
		dialect   Dialect
		boolTrue  string
		boolFalse string
		identity  string
	}{
		{SQLite, "1", "0", "INTEGER PRIMARY KEY AUTOINCREMENT"},
		{PostgreSQL, "TRUE", "FALSE", "BIGSERIAL PRIMARY KEY"},
		{MySQL, "TRUE", "FALSE", "BIGINT AUTO_INCREMENT PRIMARY KEY"},
		{DB2, "TRUE", "FALSE", "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"},
		{Oracle, "1", "0", "NUMBER GENERATED ALWAYS AS IDENTITY PRIMARY KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			if got := tt.dialect.BooleanTrue(); got != tt.boolTrue {
				t.Errorf("BooleanTrue = %q, want %q", got, tt.boolTrue)
			}
			if got := tt.dialect.BooleanFalse(); got != tt.boolFalse {
				t.Errorf("BooleanFalse = %q, want %q", got, tt.boolFalse)
			}
			if got := tt.dialect.AutoIncrement(); got != tt.identity {
				t.Errorf("AutoIncrement = %q, want %q", got, tt.identity)
			}
		})
	}
}

func TestTableExistsQuery(t *testing.T) {
	for _, d := range []Dialect{SQLite, PostgreSQL, MySQL, DB2, Oracle} {
		t.Run(d.Name(), func(t *testing.T) {
			sql, args := d.TableExistsQuery("core_manifest")
			if sql == "" {
				t.Fatal("empty catalog query")
			}
			if len(args) != 1 || args[0] != "core_manifest" {
				t.Errorf("args = %v, want [core_manifest]", args)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Run("default holds all five", func(t *testing.T) {
		want := []string{"db2", "mysql", "oracle", "postgres", "sqlite"}
		got := Default().Names()
		if len(got) != len(want) {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("lookup", func(t *testing.T) {
		d, err := Get("postgres")
		if err != nil {
			t.Fatalf("Get(postgres) error: %v", err)
		}
		if d.Name() != "postgres" {
			t.Errorf("Get(postgres).Name() = %q", d.Name())
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		if _, err := Get("mssql"); !errors.Is(err, ErrUnknownDialect) {
			t.Errorf("Get(mssql) err = %v, want ErrUnknownDialect", err)
		}
	})

	t.Run("duplicate registration forbidden", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(SQLite); err != nil {
			t.Fatalf("first Register: %v", err)
		}
		if err := r.Register(SQLite); !errors.Is(err, ErrDuplicateDialect) {
			t.Errorf("second Register err = %v, want ErrDuplicateDialect", err)
		}
	})
}
