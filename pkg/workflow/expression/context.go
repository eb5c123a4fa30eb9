package expression

// BuildEnv flattens a run's state into the environment predicates and
// item paths evaluate against:
//
//	{
//	    "params":    {"week_start": "2025-12-22", "tier": "OTC"},
//	    "outputs":   {"validate": {"validated": true}, ...},
//	    "partition": "2025-12-22|OTC",
//	}
//
// Step outputs are widened to map[string]any so expr-lang dot access
// works uniformly at every depth.
func BuildEnv(params map[string]any, outputs map[string]map[string]any, partition string) map[string]any {
	outs := make(map[string]any, len(outputs))
	for name, out := range outputs {
		outs[name] = out
	}
	if params == nil {
		params = make(map[string]any)
	}
	return map[string]any{
		"params":    params,
		"outputs":   outs,
		"partition": partition,
	}
}
