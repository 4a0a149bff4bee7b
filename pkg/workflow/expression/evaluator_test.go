package expression

import (
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	eval := New()
	ctx := BuildContext(
		map[string]interface{}{"dataset": "prod", "threshold": 0.9},
		map[string]interface{}{"attempt": 2},
		map[string]interface{}{
			"validate": map[string]interface{}{"passed": true, "checked": 42},
			"train":    map[string]interface{}{"accuracy": 0.93},
		},
	)

	tests := []struct {
		name       string
		expression string
		want       bool
		wantErr    bool
	}{
		{
			name:       "empty expression defaults to true",
			expression: "",
			want:       true,
		},
		{
			name:       "input comparison",
			expression: `inputs.dataset == "prod"`,
			want:       true,
		},
		{
			name:       "output field access",
			expression: "outputs.validate.passed",
			want:       true,
		},
		{
			name:       "numeric comparison across planes",
			expression: "outputs.train.accuracy > inputs.threshold",
			want:       true,
		},
		{
			name:       "flattened variable access",
			expression: "attempt < 3",
			want:       true,
		},
		{
			name:       "explicit variable access",
			expression: "variables.attempt == 2",
			want:       true,
		},
		{
			name:       "boolean combination",
			expression: "outputs.validate.passed && outputs.validate.checked > 40",
			want:       true,
		},
		{
			name:       "false result",
			expression: `inputs.dataset == "dev"`,
			want:       false,
		},
		{
			name:       "undefined variable resolves to nil",
			expression: "missing == nil",
			want:       true,
		},
		{
			name:       "syntax error",
			expression: "inputs.dataset ==",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expression, ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expression, got, tt.want)
			}
		})
	}
}

func TestEvaluateNonBoolean(t *testing.T) {
	eval := New()
	ctx := BuildContext(nil, nil, nil)

	_, err := eval.Evaluate("1 + 1", ctx)
	if err == nil {
		t.Fatal("expected error for non-boolean expression")
	}
	if !strings.Contains(err.Error(), "boolean") {
		t.Errorf("error should mention boolean requirement: %v", err)
	}
}

func TestEvaluateValue(t *testing.T) {
	eval := New()
	ctx := BuildContext(
		map[string]interface{}{"base": 10},
		map[string]interface{}{"factor": 3},
		map[string]interface{}{
			"ingest": map[string]interface{}{"total": 120},
		},
	)

	tests := []struct {
		name       string
		expression string
		want       interface{}
		wantErr    bool
	}{
		{
			name:       "arithmetic",
			expression: "inputs.base * factor",
			want:       30,
		},
		{
			name:       "nil coalescing on missing input",
			expression: `inputs.dataset ?? "default"`,
			want:       "default",
		},
		{
			name:       "map construction",
			expression: `{"total": outputs.ingest.total, "ok": true}`,
			want: map[string]interface{}{
				"total": 120,
				"ok":    true,
			},
		},
		{
			name:       "empty program",
			expression: "",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateValue(tt.expression, ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvaluateValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			switch want := tt.want.(type) {
			case map[string]interface{}:
				gotMap, ok := got.(map[string]interface{})
				if !ok {
					t.Fatalf("EvaluateValue() = %T, want map", got)
				}
				for k, v := range want {
					if gotMap[k] != v {
						t.Errorf("result[%s] = %v, want %v", k, gotMap[k], v)
					}
				}
			default:
				if got != tt.want {
					t.Errorf("EvaluateValue(%q) = %v (%T), want %v (%T)",
						tt.expression, got, got, tt.want, tt.want)
				}
			}
		})
	}
}

func TestEvaluatorCache(t *testing.T) {
	eval := New()
	ctx := BuildContext(nil, map[string]interface{}{"x": 1}, nil)

	if eval.CacheSize() != 0 {
		t.Fatalf("fresh evaluator cache size = %d", eval.CacheSize())
	}

	if _, err := eval.Evaluate("x > 0", ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := eval.Evaluate("x > 0", ctx); err != nil {
		t.Fatal(err)
	}
	if eval.CacheSize() != 1 {
		t.Errorf("cache size after repeat condition = %d, want 1", eval.CacheSize())
	}

	// Same source compiled as a value program caches separately.
	if _, err := eval.EvaluateValue("x > 0", ctx); err != nil {
		t.Fatal(err)
	}
	if eval.CacheSize() != 2 {
		t.Errorf("cache size after value compile = %d, want 2", eval.CacheSize())
	}

	eval.ClearCache()
	if eval.CacheSize() != 0 {
		t.Errorf("cache size after clear = %d, want 0", eval.CacheSize())
	}
}

func TestBuildRecordContext(t *testing.T) {
	eval := New()
	rec := map[string]interface{}{"price": 10.0, "qty": 3}

	got, err := eval.EvaluateValue("price * qty", BuildRecordContext(rec))
	if err != nil {
		t.Fatal(err)
	}
	if got != 30.0 {
		t.Errorf("computed field = %v, want 30", got)
	}

	got, err = eval.EvaluateValue(`record.price`, BuildRecordContext(rec))
	if err != nil {
		t.Fatal(err)
	}
	if got != 10.0 {
		t.Errorf("record reference = %v, want 10", got)
	}
}
