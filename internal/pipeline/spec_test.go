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

package pipeline

import (
	"strings"
	"testing"

	"github.com/spine-io/spine/pkg/errors"
)

func ingestSpec() Spec {
	return Spec{
		Name: "otc.ingest",
		Params: []ParamSpec{
			{Name: "week_start", Required: true, Validators: []Validator{Date("2006-01-02")}},
			{Name: "tier", Required: true, Validators: []Validator{OneOf("OTC", "NMS_TIER_1", "NMS_TIER_2")}},
			{Name: "force", Default: false},
			{Name: "lookback_weeks", Default: 1, Validators: []Validator{Range(1, 52)}},
		},
		Aliases: map[string]string{
			"week":       "week_start",
			"tier_group": "tier",
		},
	}
}

func assertBadParams(t *testing.T, err error, fragment string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected bad-params error")
	}
	classified := errors.AsClassified(err)
	if classified == nil || classified.Kind != errors.KindPipeline ||
		classified.Subcategory != errors.SubBadParams {
		t.Fatalf("expected pipeline/bad-params, got %v", err)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Errorf("error %q should mention %q", err.Error(), fragment)
	}
}

func TestResolve_Valid(t *testing.T) {
	resolved, err := ingestSpec().Resolve(Params{
		"week_start": "2025-12-22",
		"tier":       "OTC",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["week_start"] != "2025-12-22" || resolved["tier"] != "OTC" {
		t.Errorf("unexpected params: %v", resolved)
	}
	if resolved["force"] != false {
		t.Errorf("default force = %v", resolved["force"])
	}
	if resolved["lookback_weeks"] != 1 {
		t.Errorf("default lookback_weeks = %v", resolved["lookback_weeks"])
	}
}

func TestResolve_AliasesFoldBeforeValidation(t *testing.T) {
	resolved, err := ingestSpec().Resolve(Params{
		"week":       "2025-12-22",
		"tier_group": "OTC",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["week_start"] != "2025-12-22" {
		t.Errorf("alias not folded: %v", resolved)
	}
	if _, present := resolved["week"]; present {
		t.Error("alias key must be removed after folding")
	}
}

func TestResolve_AliasConflict(t *testing.T) {
	_, err := ingestSpec().Resolve(Params{
		"week":       "2025-12-22",
		"week_start": "2025-12-29",
		"tier":       "OTC",
	})
	assertBadParams(t, err, "alias")
}

func TestResolve_MissingRequired(t *testing.T) {
	_, err := ingestSpec().Resolve(Params{"tier": "OTC"})
	assertBadParams(t, err, "week_start")
}

func TestResolve_CollectsAllViolations(t *testing.T) {
	_, err := ingestSpec().Resolve(Params{
		"tier":           "RETAIL",
		"lookback_weeks": 104,
	})
	assertBadParams(t, err, "week_start")
	if !strings.Contains(err.Error(), "tier") || !strings.Contains(err.Error(), "lookback_weeks") {
		t.Errorf("expected every violation reported, got %v", err)
	}
}

func TestResolve_ExtrasRejectedByDefault(t *testing.T) {
	_, err := ingestSpec().Resolve(Params{
		"week_start": "2025-12-22",
		"tier":       "OTC",
		"verbose":    true,
	})
	assertBadParams(t, err, "verbose")
}

func TestResolve_AllowExtra(t *testing.T) {
	spec := ingestSpec()
	spec.AllowExtra = true
	resolved, err := spec.Resolve(Params{
		"week_start": "2025-12-22",
		"tier":       "OTC",
		"verbose":    true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["verbose"] != true {
		t.Error("extra param should pass through when allowed")
	}
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	params := Params{"week": "2025-12-22", "tier": "OTC"}
	if _, err := ingestSpec().Resolve(params); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params["week"] != "2025-12-22" {
		t.Error("input params must not be mutated")
	}
	if _, present := params["week_start"]; present {
		t.Error("folding must happen on a copy")
	}
}

func TestPartitionKey(t *testing.T) {
	spec := Spec{
		Name:            "otc.ingest",
		Domain:          "finra.otc",
		Stage:           "INGESTED",
		PartitionParams: []string{"week_start", "tier"},
	}

	key := spec.PartitionKey(Params{"week_start": "2025-12-26", "tier": "OTC"})
	if key != "2025-12-26|OTC" {
		t.Errorf("partition key = %q", key)
	}

	if key := spec.PartitionKey(Params{"week_start": "2025-12-26"}); key != "" {
		t.Errorf("incomplete params must yield no key, got %q", key)
	}

	if key := (Spec{Name: "x"}).PartitionKey(Params{"a": 1}); key != "" {
		t.Errorf("spec without partition params must yield no key, got %q", key)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name      string
		validator Validator
		value     any
		wantErr   bool
	}{
		{"oneof hit", OneOf("OTC", "NMS_TIER_1"), "OTC", false},
		{"oneof miss", OneOf("OTC", "NMS_TIER_1"), "RETAIL", true},
		{"range int", Range(1, 52), 10, false},
		{"range int64", Range(1, 52), int64(52), false},
		{"range float", Range(0, 1), 0.5, false},
		{"range string number", Range(1, 52), "26", false},
		{"range below", Range(1, 52), 0, true},
		{"range above", Range(1, 52), 53, true},
		{"range non-numeric", Range(1, 52), "many", true},
		{"pattern hit", Pattern(`^\d{4}-\d{2}-\d{2}\|[A-Z_0-9]+$`), "2025-12-26|OTC", false},
		{"pattern miss", Pattern(`^\d{4}-\d{2}-\d{2}\|[A-Z_0-9]+$`), "boxing day", true},
		{"pattern non-string", Pattern(`^x$`), 7, true},
		{"date hit", Date("2006-01-02"), "2025-12-22", false},
		{"date miss", Date("2006-01-02"), "22/12/2025", true},
		{"date non-string", Date("2006-01-02"), 20251222, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator("p", tt.value)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for %v", tt.value)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
