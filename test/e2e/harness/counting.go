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
	"sync/atomic"

	"github.com/spine-io/spine/internal/dialect"
	"github.com/spine-io/spine/internal/storage"
)

// CountingQuerier wraps a Querier and counts everything that passes
// through it. Scenarios use it to prove a code path left storage
// untouched.
type CountingQuerier struct {
	inner  storage.Querier
	writes atomic.Int64
	reads  atomic.Int64
}

var _ storage.Querier = (*CountingQuerier)(nil)

// NewCountingQuerier wraps an existing Querier.
func NewCountingQuerier(q storage.Querier) *CountingQuerier {
	return &CountingQuerier{inner: q}
}

// Writes returns the number of statements that could have changed data
// (Execute, Insert, InsertMany).
func (c *CountingQuerier) Writes() int64 {
	return c.writes.Load()
}

// Reads returns the number of Query/QueryOne calls.
func (c *CountingQuerier) Reads() int64 {
	return c.reads.Load()
}

// Execute implements storage.Querier.
func (c *CountingQuerier) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	c.writes.Add(1)
	return c.inner.Execute(ctx, query, args...)
}

// Query implements storage.Querier.
func (c *CountingQuerier) Query(ctx context.Context, query string, args ...any) ([]storage.Row, error) {
	c.reads.Add(1)
	return c.inner.Query(ctx, query, args...)
}

// QueryOne implements storage.Querier.
func (c *CountingQuerier) QueryOne(ctx context.Context, query string, args ...any) (storage.Row, error) {
	c.reads.Add(1)
	return c.inner.QueryOne(ctx, query, args...)
}

// Insert implements storage.Querier.
func (c *CountingQuerier) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	c.writes.Add(1)
	return c.inner.Insert(ctx, table, values)
}

// InsertMany implements storage.Querier.
func (c *CountingQuerier) InsertMany(ctx context.Context, table string, rows []map[string]any) (int64, error) {
	c.writes.Add(1)
	return c.inner.InsertMany(ctx, table, rows)
}

// Dialect implements storage.Querier.
func (c *CountingQuerier) Dialect() dialect.Dialect {
	return c.inner.Dialect()
}

// Ph implements storage.Querier.
func (c *CountingQuerier) Ph(n int) string {
	return c.inner.Ph(n)
}
