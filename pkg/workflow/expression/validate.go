package expression

import (
	"fmt"
	"regexp"
	"strings"
)

// Matches outputs.<step> references in expr-lang syntax.
// Step names allow alphanumerics, underscore, and hyphen.
var outputRefPattern = regexp.MustCompile(`\boutputs\.([a-zA-Z_][a-zA-Z0-9_-]*)`)

// ValidateStepReferences checks that every step referenced through
// outputs.<name> in an expression names a step the workflow declares.
// Used at registration time so broken references fail before any
// execution starts.
//
// Example:
//
//	err := ValidateStepReferences(`outputs.check.passed`, []string{"check", "train"})
//	// nil: check exists
//
//	err := ValidateStepReferences(`outputs.missing.passed`, []string{"check", "train"})
//	// error: missing is not a known step
func ValidateStepReferences(expression string, knownSteps []string) error {
	if expression == "" {
		return nil
	}

	referenced := extractOutputReferences(expression)
	if len(referenced) == 0 {
		return nil
	}

	known := make(map[string]bool, len(knownSteps))
	for _, name := range knownSteps {
		known[name] = true
	}

	var invalid []string
	for _, name := range referenced {
		if !known[name] {
			invalid = append(invalid, name)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf(
			"expression references unknown step(s): %s (known steps: %s)",
			strings.Join(invalid, ", "),
			strings.Join(knownSteps, ", "),
		)
	}

	return nil
}

// extractOutputReferences returns the unique step names referenced via
// outputs.<name> in an expression.
func extractOutputReferences(expression string) []string {
	seen := make(map[string]bool)

	for _, match := range outputRefPattern.FindAllStringSubmatch(expression, -1) {
		if len(match) > 1 {
			seen[match[1]] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
