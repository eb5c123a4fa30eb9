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

// Package capture produces the capture identities that every output row
// carries. A capture_id is deterministic in (domain, partition, payload):
// replaying the same snapshot yields the same id, which is what makes
// delete-by-capture_id replay safe. Consumers treat the id as opaque.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/spine-io/spine/pkg/errors"
)

const (
	// MaxIDLength is the ceiling consumers may rely on: a capture_id
	// always fits in 128 characters and is safe in primary keys and JSON.
	MaxIDLength = 128

	// hashLen is the hex prefix of the payload SHA-256 kept in the id.
	hashLen = 16

	// versionLayout is the compact timestamp appended to versioned ids.
	versionLayout = "20060102T150405"
)

// Stamp is the identity pair attached to a write: the deterministic id
// and the wall-clock time the snapshot was taken. The two are separate;
// captured_at never feeds the id.
type Stamp struct {
	CaptureID  string
	CapturedAt time.Time
}

// NewStamp builds the stamp for one ingested payload.
func NewStamp(domain, partitionKey string, payload []byte, capturedAt time.Time) Stamp {
	return Stamp{
		CaptureID:  NewID(domain, partitionKey, payload),
		CapturedAt: capturedAt.UTC(),
	}
}

// NewID derives the capture id for a payload:
// domain:partition:content_hash, where content_hash is the first 16 hex
// characters of the payload SHA-256. Pipes in the partition key become
// colons so the id stays single-alphabet.
func NewID(domain, partitionKey string, payload []byte) string {
	return compose(domain, partitionKey, contentHash(payload), "")
}

// NewVersionedID is NewID plus a compact UTC timestamp segment, for
// sources where the same payload may legitimately be re-captured and
// must receive a distinct id per snapshot.
func NewVersionedID(domain, partitionKey string, payload []byte, capturedAt time.Time) string {
	return compose(domain, partitionKey, contentHash(payload), capturedAt.UTC().Format(versionLayout))
}

// Input is one source capture feeding an aggregation.
type Input struct {
	CaptureID  string
	CapturedAt time.Time
}

// Provenance is the capture lineage of an aggregated row: a fresh
// deterministic id plus the input range ordered by captured_at.
type Provenance struct {
	CaptureID         string
	InputMinCaptureID string
	InputMaxCaptureID string
}

// NewAggregate derives the identity of a row computed from multiple
// captures. Inputs are ordered by captured_at (ties broken by id), so
// any permutation of the same inputs yields the same provenance.
func NewAggregate(domain, partitionKey string, inputs []Input) (Provenance, error) {
	if len(inputs) == 0 {
		return Provenance{}, errors.NewValidation(errors.SubConstraint,
			"aggregation requires at least one input capture")
	}

	ordered := make([]Input, len(inputs))
	copy(ordered, inputs)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CapturedAt.Equal(ordered[j].CapturedAt) {
			return ordered[i].CapturedAt.Before(ordered[j].CapturedAt)
		}
		return ordered[i].CaptureID < ordered[j].CaptureID
	})

	ids := make([]string, len(ordered))
	for i, in := range ordered {
		ids[i] = in.CaptureID
	}

	return Provenance{
		CaptureID:         NewID(domain, partitionKey, []byte(strings.Join(ids, "\n"))),
		InputMinCaptureID: ordered[0].CaptureID,
		InputMaxCaptureID: ordered[len(ordered)-1].CaptureID,
	}, nil
}

// compose joins the id segments, falling back to hashed segments when
// the literal form would exceed MaxIDLength. Both forms are
// deterministic for the same inputs.
func compose(domain, partitionKey, hash, version string) string {
	partition := strings.ReplaceAll(partitionKey, "|", ":")

	id := domain + ":" + partition + ":" + hash
	if version != "" {
		id += ":" + version
	}
	if len(id) <= MaxIDLength {
		return id
	}

	id = hashSegment(domain) + ":" + hashSegment(partitionKey) + ":" + hash
	if version != "" {
		id += ":" + version
	}
	return id
}

func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:hashLen]
}

func hashSegment(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
