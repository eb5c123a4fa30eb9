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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// loadParamFile loads parameters from a JSON file or stdin
func loadParamFile(path string) (map[string]interface{}, error) {
	var data []byte
	var err error

	if path == "-" {
		// Check if stdin has data (not a terminal)
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return nil, fmt.Errorf("--param-file - requires input on stdin (pipe or redirect)")
		}
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read param file: %w", err)
		}
	}

	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse JSON params: %w", err)
	}

	return params, nil
}

// ParseParams parses --param arguments in key=value format and
// optionally merges them over file parameters. Values that parse as
// JSON numbers, booleans or null are typed; everything else stays a
// string, so week=2025-12-26 and limit=500 both do what they look like.
func ParseParams(paramArgs []string, paramFile string) (map[string]interface{}, error) {
	// Start with params from file (if provided)
	var params map[string]interface{}
	if paramFile != "" {
		var err error
		params, err = loadParamFile(paramFile)
		if err != nil {
			return nil, err
		}
	} else {
		params = make(map[string]interface{})
	}

	// Override with command-line params
	for _, arg := range paramArgs {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid param format %q (expected key=value)", arg)
		}
		params[parts[0]] = coerceValue(parts[1])
	}

	return params, nil
}

// coerceValue types a raw flag value through JSON when it parses;
// anything that is not valid JSON (bare words, dates, paths) stays a
// string.
func coerceValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
