package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapDefinition(itemsPath string, maxConcurrency int, childFn string) *Definition {
	return &Definition{
		Name: "fanout",
		Steps: []StepDefinition{
			{
				Name:           "spread",
				Type:           StepMap,
				ItemsPath:      itemsPath,
				MaxConcurrency: maxConcurrency,
				Iterator: &Definition{
					Steps: []StepDefinition{{Name: "work", Type: StepLambda, Fn: childFn}},
				},
			},
		},
	}
}

func TestMap_FanInPreservesInputOrder(t *testing.T) {
	eng := newTestEngine(nil)
	// Items sleep longest-first so completion order inverts input
	// order; the merged list must still follow the input.
	require.NoError(t, eng.RegisterLambda("stagger", func(ctx context.Context, run *RunContext) StepResult {
		delay, _ := run.Param("item")
		index, _ := run.Param("index")
		time.Sleep(time.Duration(delay.(float64)) * time.Millisecond)
		return OK(map[string]any{"index": index})
	}))

	def := mapDefinition(".params.delays", 3, "stagger")
	res, err := eng.Run(context.Background(), def, map[string]any{"delays": []any{40, 20, 0}})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, res.Status)

	out, ok := res.Output("spread")
	require.True(t, ok)
	assert.Equal(t, 3, out["count"])

	items, ok := out["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 3)
	for i := 0; i < len(items); i++ {
		childOutputs, ok := items[i].(map[string]any)
		require.True(t, ok)
		work, ok := childOutputs["work"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, i, work["index"], "fan-in slot %d holds child %d", i, i)
	}
}

func TestMap_MaxConcurrencyBounds(t *testing.T) {
	var mu sync.Mutex
	current, peak := 0, 0

	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("count", func(ctx context.Context, run *RunContext) StepResult {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return OK(nil)
	}))

	def := mapDefinition(".params.items", 2, "count")
	start := time.Now()
	res, err := eng.Run(context.Background(), def, map[string]any{"items": []any{1, 2, 3, 4}})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, res.Status)
	assert.LessOrEqual(t, peak, 2, "no more than max_concurrency children at once")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "four 20ms children over two lanes take two waves")
}

func TestMap_ChildFailure(t *testing.T) {
	mkEngine := func(t *testing.T) *Engine {
		eng := newTestEngine(nil)
		require.NoError(t, eng.RegisterLambda("picky", func(ctx context.Context, run *RunContext) StepResult {
			index, _ := run.Param("index")
			if index.(int) == 1 {
				return Fail("tier T2 rejected", "validation.constraint")
			}
			return OK(map[string]any{"ok": true})
		}))
		return eng
	}

	t.Run("stops the run by default", func(t *testing.T) {
		def := mapDefinition(".params.tiers", 2, "picky")
		res, err := mkEngine(t).Run(context.Background(), def, map[string]any{"tiers": []any{"T1", "T2", "OTC"}})
		require.NoError(t, err)

		assert.Equal(t, RunStatusFailed, res.Status)
		assert.Equal(t, "spread", res.ErrorStep)
		assert.Contains(t, res.Error, "1 of 3 items failed")
		assert.Contains(t, res.Error, "item 1")
		assert.False(t, res.Context.HasOutput("spread"))
	})

	t.Run("continue yields a partial run", func(t *testing.T) {
		def := mapDefinition(".params.tiers", 2, "picky")
		def.Steps[0].OnError = OnErrorContinue
		res, err := mkEngine(t).Run(context.Background(), def, map[string]any{"tiers": []any{"T1", "T2", "OTC"}})
		require.NoError(t, err)

		assert.Equal(t, RunStatusPartial, res.Status)
	})
}

func TestMap_EmptyItems(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("work", func(ctx context.Context, run *RunContext) StepResult {
		return OK(nil)
	}))

	def := mapDefinition(".params.tiers", 1, "work")
	res, err := eng.Run(context.Background(), def, map[string]any{"tiers": []any{}})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, res.Status)
	out, _ := res.Output("spread")
	assert.Equal(t, 0, out["count"])
}

func TestMap_ItemsMustResolveToList(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("work", func(ctx context.Context, run *RunContext) StepResult {
		return OK(nil)
	}))

	def := mapDefinition(".params.tier", 1, "work")
	res, err := eng.Run(context.Background(), def, map[string]any{"tier": "OTC"})
	require.NoError(t, err)

	assert.Equal(t, RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "want a list")
}

func TestMap_ItemsFromEarlierOutput(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("discover", func(ctx context.Context, run *RunContext) StepResult {
		return OK(map[string]any{"tiers": []any{"T1", "T2"}})
	}))
	require.NoError(t, eng.RegisterLambda("echo", func(ctx context.Context, run *RunContext) StepResult {
		item, _ := run.Param("item")
		return OK(map[string]any{"tier": item})
	}))

	def := &Definition{
		Name: "derived",
		Steps: []StepDefinition{
			{Name: "discover", Type: StepLambda, Fn: "discover"},
			{
				Name:      "spread",
				Type:      StepMap,
				ItemsPath: ".outputs.discover.tiers",
				Iterator: &Definition{
					Steps: []StepDefinition{{Name: "echo", Type: StepLambda, Fn: "echo"}},
				},
			},
		},
	}

	res, err := eng.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, res.Status)

	out, _ := res.Output("spread")
	items := out["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)["echo"].(map[string]any)
	second := items[1].(map[string]any)["echo"].(map[string]any)
	assert.Equal(t, "T1", first["tier"])
	assert.Equal(t, "T2", second["tier"])
}

func TestMap_DryRunSynthesizesChildren(t *testing.T) {
	runner := newFakeRunner()
	eng := newTestEngine(runner)

	def := &Definition{
		Name: "fanout",
		Steps: []StepDefinition{
			{
				Name:      "spread",
				Type:      StepMap,
				ItemsPath: ".params.tiers",
				Iterator: &Definition{
					Steps: []StepDefinition{{Name: "normalize", Type: StepPipeline, Pipeline: "otc.normalize"}},
				},
			},
		},
	}

	res, err := eng.Run(context.Background(), def, map[string]any{"tiers": []any{"T1", "T2"}}, WithDryRun())
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, res.Status)
	assert.Empty(t, runner.calls, "dry runs reach into map children too")

	out, _ := res.Output("spread")
	assert.Equal(t, 2, out["count"])
}

func TestMap_ChildPanicsAreContained(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("explode", func(ctx context.Context, run *RunContext) StepResult {
		index, _ := run.Param("index")
		if index.(int) == 0 {
			panic(fmt.Sprintf("item %v is poison", index))
		}
		return OK(nil)
	}))

	def := mapDefinition(".params.items", 2, "explode")
	res, err := eng.Run(context.Background(), def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)

	assert.Equal(t, RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "items failed")
}

func TestMap_FanInCollectsCaptureIDRange(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("stamp", func(ctx context.Context, run *RunContext) StepResult {
		item, _ := run.Param("item")
		return OK(map[string]any{"capture_id": item.(string), "records": 1})
	}))

	def := mapDefinition(".params.ids", 2, "stamp")
	res, err := eng.Run(context.Background(), def, map[string]any{"ids": []any{"cap-b", "cap-c", "cap-a"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, res.Status)

	out, ok := res.Output("spread")
	require.True(t, ok)
	assert.Equal(t, "cap-a", out["input_min_capture_id"])
	assert.Equal(t, "cap-c", out["input_max_capture_id"])
}

func TestMap_NoCaptureIDsNoProvenance(t *testing.T) {
	eng := newTestEngine(nil)
	require.NoError(t, eng.RegisterLambda("plain", func(ctx context.Context, run *RunContext) StepResult {
		return OK(map[string]any{"records": 2})
	}))

	def := mapDefinition(".params.items", 2, "plain")
	res, err := eng.Run(context.Background(), def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, res.Status)

	out, _ := res.Output("spread")
	_, hasMin := out["input_min_capture_id"]
	assert.False(t, hasMin, "provenance keys only appear when children report capture ids")
}
