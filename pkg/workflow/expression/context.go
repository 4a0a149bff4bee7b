package expression

// BuildContext assembles an expression evaluation context from the
// three data planes of an execution:
//
//	{
//	    "inputs":    {"dataset": "prod", ...},
//	    "variables": {"attempt": 2, ...},
//	    "outputs":   {"ingest": {"total_records": 120}, ...},
//	}
//
// Variables are additionally exposed at the top level for convenience,
// so both `variables.attempt` and `attempt` resolve, with explicit
// keys (inputs/variables/outputs) taking precedence over flattened
// names.
func BuildContext(inputs, variables, outputs map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(variables)+3)

	if variables != nil {
		for k, v := range variables {
			ctx[k] = v
		}
	}

	if inputs != nil {
		ctx["inputs"] = inputs
	} else {
		ctx["inputs"] = make(map[string]interface{})
	}

	if variables != nil {
		ctx["variables"] = variables
	} else {
		ctx["variables"] = make(map[string]interface{})
	}

	if outputs != nil {
		ctx["outputs"] = outputs
	} else {
		ctx["outputs"] = make(map[string]interface{})
	}

	return ctx
}

// BuildRecordContext assembles a context for per-record expressions
// (computed transform fields): the record's own fields at the top
// level plus a "record" key for explicit reference.
func BuildRecordContext(record map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(record)+1)
	for k, v := range record {
		ctx[k] = v
	}
	ctx["record"] = record
	return ctx
}
