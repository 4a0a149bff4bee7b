// Package expression provides condition and script evaluation for
// workflow steps.
//
// Expressions use expr-lang syntax and evaluate against a context map
// exposing workflow inputs, execution variables, and prior step
// outputs:
//
//	inputs.dataset == "prod" && outputs.validate.passed
//	variables.retries < 3
//	length(outputs.ingest.records) > 0
//
// Conditions must return a boolean; script programs may return any
// value, which becomes the step result. Compiled programs are cached,
// so repeated evaluation of the same expression is cheap.
package expression
