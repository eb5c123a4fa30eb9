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

package dispatch

import (
	"fmt"
	"sync"

	"github.com/spine-io/spine/pkg/errors"
)

// LeaseKey identifies the unit of mutual exclusion: one stage of one
// partition in one domain.
type LeaseKey struct {
	Domain       string
	PartitionKey string
	Stage        string
}

func (k LeaseKey) String() string {
	return k.Domain + "/" + k.PartitionKey + "/" + k.Stage
}

// Leases serializes pipeline runs per (domain, partition, stage)
// within this process. A busy lease is a retryable orchestration
// error: the scheduler backs off and requeues rather than waiting.
type Leases struct {
	mu   sync.Mutex
	held map[LeaseKey]string
}

// NewLeases builds an empty lease table.
func NewLeases() *Leases {
	return &Leases{held: make(map[LeaseKey]string)}
}

// Acquire takes the lease for an execution or fails retryably if
// another execution holds it.
func (l *Leases) Acquire(key LeaseKey, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, busy := l.held[key]; busy {
		leaseConflicts.WithLabelValues(key.Domain, key.Stage).Inc()
		return errors.NewOrchestration(errors.SubSchedule,
			fmt.Sprintf("partition %s is leased by execution %s", key, holder), true, nil).
			WithContext("lease", key.String()).
			WithContext("holder", holder)
	}
	l.held[key] = executionID
	return nil
}

// Release frees the lease if the execution still holds it.
func (l *Leases) Release(key LeaseKey, executionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == executionID {
		delete(l.held, key)
	}
}

// Holder reports the execution currently holding a lease, or "" when
// the lease is free.
func (l *Leases) Holder(key LeaseKey) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}
