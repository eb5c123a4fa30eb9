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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/spine-io/spine/pkg/errors"
)

// Exit codes for the spine CLI. Scripts can tell bad input apart from
// broken plumbing.
const (
	ExitSuccess           = 0
	ExitExecutionFailed   = 1
	ExitInvalidDefinition = 2
	ExitConfigError       = 3
)

// ExitError carries an exit code alongside the error message.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError reports a pipeline or workflow that ran and failed.
func NewExecutionError(message string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: message, Cause: cause}
}

// NewInvalidDefinitionError reports bad parameters or an unparseable
// workflow definition.
func NewInvalidDefinitionError(message string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidDefinition, Message: message, Cause: cause}
}

// NewConfigError reports a configuration or storage problem.
func NewConfigError(message string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: message, Cause: cause}
}

// HandleExitError prints the error and exits with its code. Errors
// without an explicit code are classified by kind.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindValidation, pkgerrors.KindPipeline:
		return ExitInvalidDefinition
	case pkgerrors.KindConfig, pkgerrors.KindStorage:
		return ExitConfigError
	default:
		return ExitExecutionFailed
	}
}
