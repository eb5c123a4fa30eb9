package expression

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/spine-io/spine/pkg/errors"
)

// Matches outputs.<step> accesses in expr-lang predicates. Dotted
// step names cannot be dot-accessed in expr, so only the first
// identifier segment is the step reference.
var outputRefPattern = regexp.MustCompile(`\boutputs\.([a-zA-Z_][a-zA-Z0-9_]*)`)

// ValidateOutputReferences checks that every outputs.<step> reference
// in a predicate names a step that exists in the workflow. Catches
// typos at definition load instead of as an always-false branch at
// run time.
func ValidateOutputReferences(predicate string, knownSteps []string) error {
	if predicate == "" {
		return nil
	}

	known := make(map[string]bool, len(knownSteps))
	for _, name := range knownSteps {
		known[name] = true
	}

	var missing []string
	seen := make(map[string]bool)
	for _, match := range outputRefPattern.FindAllStringSubmatch(predicate, -1) {
		ref := match[1]
		if !known[ref] && !seen[ref] {
			seen[ref] = true
			missing = append(missing, ref)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)
	return errors.NewValidation(errors.SubConstraint,
		fmt.Sprintf("predicate references unknown steps: %v", missing)).
		WithContext("predicate", predicate)
}
