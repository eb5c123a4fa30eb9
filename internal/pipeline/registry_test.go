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
	"context"
	"testing"

	"github.com/spine-io/spine/pkg/errors"
)

type nopPipeline struct{ name string }

func (p *nopPipeline) Spec() Spec { return Spec{Name: p.name} }

func (p *nopPipeline) Run(context.Context, Params, ExecContext) (Result, error) {
	return Completed(nil), nil
}

func nopFactory(name string) Factory {
	return func() (Pipeline, error) { return &nopPipeline{name: name}, nil }
}

type testLoader struct {
	domain    string
	pipelines map[string]Factory
	err       error
	calls     int
}

func (l *testLoader) Domain() string { return l.domain }

func (l *testLoader) Pipelines() (map[string]Factory, error) {
	l.calls++
	return l.pipelines, l.err
}

func TestRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("otc.ingest", nopFactory("otc.ingest")); err != nil {
		t.Fatalf("register: %v", err)
	}

	factory, err := registry.Get("otc.ingest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if p.Spec().Name != "otc.ingest" {
		t.Errorf("unexpected pipeline: %v", p.Spec())
	}
}

func TestRegister_Duplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("otc.ingest", nopFactory("otc.ingest")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := registry.Register("otc.ingest", nopFactory("otc.ingest"))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if errors.KindOf(err) != errors.KindConfig {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	_, err := NewRegistry().Get("otc.enrich")
	if err == nil {
		t.Fatal("expected error")
	}
	classified := errors.AsClassified(err)
	if classified == nil || classified.Kind != errors.KindPipeline ||
		classified.Subcategory != errors.SubNotFound {
		t.Errorf("expected pipeline/not-found, got %v", err)
	}
}

func TestGet_LazyDomainLoad(t *testing.T) {
	registry := NewRegistry()
	loader := &testLoader{
		domain: "otc",
		pipelines: map[string]Factory{
			"otc.ingest":    nopFactory("otc.ingest"),
			"otc.normalize": nopFactory("otc.normalize"),
		},
	}
	if err := registry.AddLoader(loader); err != nil {
		t.Fatalf("add loader: %v", err)
	}

	if got := registry.Names(); len(got) != 0 {
		t.Fatalf("domain must not load before first touch, got %v", got)
	}

	if _, err := registry.Get("otc.ingest"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected 1 load, got %d", loader.calls)
	}

	// Second lookup of a sibling hits the loaded map, no reload.
	if _, err := registry.Get("otc.normalize"); err != nil {
		t.Fatalf("get sibling: %v", err)
	}
	if loader.calls != 1 {
		t.Errorf("domain must load once, got %d calls", loader.calls)
	}
}

func TestGet_UnknownPipelineInLoadedDomain(t *testing.T) {
	registry := NewRegistry()
	loader := &testLoader{
		domain:    "otc",
		pipelines: map[string]Factory{"otc.ingest": nopFactory("otc.ingest")},
	}
	if err := registry.AddLoader(loader); err != nil {
		t.Fatalf("add loader: %v", err)
	}

	_, err := registry.Get("otc.enrich")
	if err == nil {
		t.Fatal("expected not-found")
	}
	if loader.calls != 1 {
		t.Errorf("expected the domain to have been loaded, got %d calls", loader.calls)
	}
}

func TestGet_FailingLoaderIsNotRetried(t *testing.T) {
	registry := NewRegistry()
	loader := &testLoader{domain: "otc", err: errors.New("catalog unreachable")}
	if err := registry.AddLoader(loader); err != nil {
		t.Fatalf("add loader: %v", err)
	}

	if _, err := registry.Get("otc.ingest"); err == nil {
		t.Fatal("expected load failure")
	}
	if _, err := registry.Get("otc.ingest"); err == nil {
		t.Fatal("expected not-found after failed load")
	}
	if loader.calls != 1 {
		t.Errorf("failed loader must not be retried, got %d calls", loader.calls)
	}
}

func TestAddLoader_DuplicateDomain(t *testing.T) {
	registry := NewRegistry()
	if err := registry.AddLoader(&testLoader{domain: "otc"}); err != nil {
		t.Fatalf("add loader: %v", err)
	}
	if err := registry.AddLoader(&testLoader{domain: "otc"}); err == nil {
		t.Fatal("expected duplicate domain to fail")
	}
}

func TestLoadAllAndNames(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("core.noop", nopFactory("core.noop")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := registry.AddLoader(&testLoader{
		domain:    "otc",
		pipelines: map[string]Factory{"otc.ingest": nopFactory("otc.ingest")},
	})
	if err != nil {
		t.Fatalf("add loader: %v", err)
	}

	if err := registry.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	names := registry.Names()
	if len(names) != 2 || names[0] != "core.noop" || names[1] != "otc.ingest" {
		t.Errorf("names = %v", names)
	}
}

func TestNamesByPrefix_LoadsDomain(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("core.noop", nopFactory("core.noop")); err != nil {
		t.Fatalf("register: %v", err)
	}
	loader := &testLoader{
		domain: "otc",
		pipelines: map[string]Factory{
			"otc.ingest":    nopFactory("otc.ingest"),
			"otc.normalize": nopFactory("otc.normalize"),
		},
	}
	if err := registry.AddLoader(loader); err != nil {
		t.Fatalf("add loader: %v", err)
	}

	names, err := registry.NamesByPrefix("otc.")
	if err != nil {
		t.Fatalf("names by prefix: %v", err)
	}
	if len(names) != 2 || names[0] != "otc.ingest" || names[1] != "otc.normalize" {
		t.Errorf("names = %v", names)
	}
	if loader.calls != 1 {
		t.Errorf("prefix listing must load the named domain, got %d calls", loader.calls)
	}

	names, err = registry.NamesByPrefix("core.")
	if err != nil {
		t.Fatalf("names by prefix: %v", err)
	}
	if len(names) != 1 || names[0] != "core.noop" {
		t.Errorf("names = %v", names)
	}
}
