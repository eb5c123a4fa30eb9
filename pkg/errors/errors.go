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

// Package errors defines the failure taxonomy shared by pipelines, the
// dispatcher, and the workflow engine. Every failure is classified by a
// Kind and a subcategory, carries an explicit retryable flag, and
// serializes to a flat map for persistence in execution records.
package errors

import (
	"fmt"
	"time"
)

// Kind is the closed set of failure classes. Retry policy, anomaly
// categorization, and execution bookkeeping all branch on it.
type Kind string

const (
	// KindTransient covers network faults, timeouts, rate limits, and
	// dropped database connections. Always retryable.
	KindTransient Kind = "transient"

	// KindSource covers upstream data problems: a missing file, an
	// unavailable endpoint, an unparseable payload.
	KindSource Kind = "source"

	// KindValidation covers bad data: schema mismatches and constraint
	// violations detected before any write.
	KindValidation Kind = "validation"

	// KindConfig covers operator errors: missing or invalid settings.
	KindConfig Kind = "config"

	// KindAuth covers credential failures, both authentication and
	// authorization.
	KindAuth Kind = "auth"

	// KindPipeline covers misuse of the pipeline framework: unknown
	// pipeline names and rejected parameters.
	KindPipeline Kind = "pipeline"

	// KindOrchestration covers workflow and schedule faults; retryability
	// is decided case by case at the call site.
	KindOrchestration Kind = "orchestration"

	// KindStorage covers persistence faults below the query layer:
	// integrity violations and write failures.
	KindStorage Kind = "storage"

	// KindQuery covers failed reads: malformed SQL, scan mismatches,
	// unexpected result shapes.
	KindQuery Kind = "query"
)

// Subcategories refine a Kind. The set is open; these are the ones the
// core emits itself.
const (
	SubNetwork      = "network"
	SubTimeout      = "timeout"
	SubRateLimit    = "rate_limit"
	SubDbConnection = "db_connection"

	SubNotFound    = "not_found"
	SubUnavailable = "unavailable"
	SubParse       = "parse"

	SubSchema     = "schema"
	SubConstraint = "constraint"

	SubMissing = "missing"
	SubInvalid = "invalid"

	SubAuthn = "authn"
	SubAuthz = "authz"

	SubBadParams = "bad_params"

	SubWorkflow = "workflow"
	SubSchedule = "schedule"

	SubIntegrity = "integrity"
)

// Error is the single carrier for all classified failures.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Subcategory refines the kind (e.g. "timeout" under transient).
	Subcategory string

	// Message is the human-readable description.
	Message string

	// Retryable reports whether a re-run with identical inputs could
	// plausibly succeed. The core records it; retry is a scheduler
	// policy decision.
	Retryable bool

	// Cause is the underlying error, if any.
	Cause error

	// Context carries free-form diagnostic fields (pipeline name,
	// partition key, attempted value, ...).
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Subcategory != "" {
		msg = fmt.Sprintf("%s/%s error", e.Kind, e.Subcategory)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType returns the kind as a string, for classifiers that want a
// flat label.
func (e *Error) ErrorType() string {
	return string(e.Kind)
}

// IsRetryable reports the carried retryable flag.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// Category returns "kind" or "kind.subcategory" when a subcategory is set.
func (e *Error) Category() string {
	if e.Subcategory == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + "." + e.Subcategory
}

// WithContext returns the error with key set in its context map. The
// receiver is returned to allow chaining at construction sites.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ToMap serializes the error to a flat map suitable for JSON storage in
// execution records and anomaly metadata.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"kind":      string(e.Kind),
		"category":  e.Category(),
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	if e.Subcategory != "" {
		m["subcategory"] = e.Subcategory
	}
	if e.Cause != nil {
		m["cause"] = e.Cause.Error()
	}
	if len(e.Context) > 0 {
		ctx := make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		m["context"] = ctx
	}
	return m
}

// NewTransient creates a retryable transient error.
func NewTransient(subcategory, message string, cause error) *Error {
	return &Error{
		Kind:        KindTransient,
		Subcategory: subcategory,
		Message:     message,
		Retryable:   true,
		Cause:       cause,
	}
}

// NewTimeout creates the transient/timeout error the runner reports when
// a pipeline exceeds its declared deadline.
func NewTimeout(operation string, elapsed time.Duration) *Error {
	e := NewTransient(SubTimeout, fmt.Sprintf("%s timed out after %v", operation, elapsed), nil)
	return e.WithContext("operation", operation).WithContext("elapsed_ms", elapsed.Milliseconds())
}

// NewSource creates a source-data error. Only the unavailable
// subcategory is retryable.
func NewSource(subcategory, message string, cause error) *Error {
	return &Error{
		Kind:        KindSource,
		Subcategory: subcategory,
		Message:     message,
		Retryable:   subcategory == SubUnavailable,
		Cause:       cause,
	}
}

// NewValidation creates a non-retryable bad-data error.
func NewValidation(subcategory, message string) *Error {
	return &Error{
		Kind:        KindValidation,
		Subcategory: subcategory,
		Message:     message,
	}
}

// NewConfig creates a non-retryable configuration error. Key names the
// offending setting and lands in the context map.
func NewConfig(subcategory, key, message string) *Error {
	e := &Error{
		Kind:        KindConfig,
		Subcategory: subcategory,
		Message:     message,
	}
	if key != "" {
		e.WithContext("key", key)
	}
	return e
}

// NewAuth creates a non-retryable credential error.
func NewAuth(subcategory, message string) *Error {
	return &Error{
		Kind:        KindAuth,
		Subcategory: subcategory,
		Message:     message,
	}
}

// NewPipelineNotFound reports a lookup of an unregistered pipeline.
func NewPipelineNotFound(name string) *Error {
	e := &Error{
		Kind:        KindPipeline,
		Subcategory: SubNotFound,
		Message:     fmt.Sprintf("pipeline not found: %s", name),
	}
	return e.WithContext("pipeline", name)
}

// NewBadParams reports parameters rejected by a pipeline's spec.
func NewBadParams(pipeline, message string) *Error {
	e := &Error{
		Kind:        KindPipeline,
		Subcategory: SubBadParams,
		Message:     message,
	}
	return e.WithContext("pipeline", pipeline)
}

// NewOrchestration creates a workflow/schedule fault with an explicit
// retryable decision.
func NewOrchestration(subcategory, message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:        KindOrchestration,
		Subcategory: subcategory,
		Message:     message,
		Retryable:   retryable,
		Cause:       cause,
	}
}

// NewStorage creates a persistence error. Integrity violations are never
// retryable; other storage faults may be, at the caller's discretion.
func NewStorage(subcategory, message string, retryable bool, cause error) *Error {
	if subcategory == SubIntegrity {
		retryable = false
	}
	return &Error{
		Kind:        KindStorage,
		Subcategory: subcategory,
		Message:     message,
		Retryable:   retryable,
		Cause:       cause,
	}
}

// NewQuery creates a failed-read error.
func NewQuery(message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      KindQuery,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}
