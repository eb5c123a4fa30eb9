// Package expression evaluates the expression surfaces a workflow
// definition embeds: boolean choice predicates and jq item paths for
// map fan-out.
//
// Predicates use expr-lang and see the run context as three variables:
//
//   - params: the effective workflow parameters
//   - outputs: step outputs keyed by step name
//   - partition: the partition key the run is bound to
//
// Example predicates:
//
//	outputs.validate.validated == true
//	params.tier == "OTC" && outputs.ingest.records > 0
//	has(params.tiers, "NMS_TIER_1")
//
// Item paths use jq syntax over {"params": ..., "outputs": ...} and
// must resolve to a list:
//
//	.outputs.ingest.files
//	[.params.tiers[] | {tier: .}]
//
// Both evaluators cache compiled programs, so repeated evaluation of
// the same workflow stays cheap.
//
// Note: expr-lang reserves "contains" for substring matching, so use
// "in" or has() for membership checks.
package expression
