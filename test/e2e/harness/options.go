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
	"log/slog"
	"time"
)

// Option configures the test harness.
type Option func(*Harness) error

// WithTimeout bounds each harness operation (storage open, dispatch,
// queries). Default is 30 seconds.
//
// Example:
//
//	h := harness.New(t, harness.WithTimeout(5*time.Second))
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) error {
		h.timeout = d
		return nil
	}
}

// WithMaxParallel sets the runner's execution slot count. Default is 2,
// enough for scenarios that interleave partitions without saturating
// the test host.
func WithMaxParallel(n int) Option {
	return func(h *Harness) error {
		h.maxParallel = n
		return nil
	}
}

// WithLogger routes component logs somewhere visible. The default
// discards them; pass a handler on os.Stderr when debugging a
// scenario.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) error {
		h.logger = logger
		return nil
	}
}
