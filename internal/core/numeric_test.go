package core

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"replaycore/pkg/domain"
)

func TestToSequence(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []float64
	}{
		{"nil", nil, []float64{}},
		{"float64 slice", []float64{1.5, 2}, []float64{1.5, 2}},
		{"float32 slice", []float32{0.5}, []float64{0.5}},
		{"int slice", []int{1, 2, 3}, []float64{1, 2, 3}},
		{"bytes", []uint8{7}, []float64{7}},
		{"fixed array", [2]int16{4, 5}, []float64{4, 5}},
		{"named array", vec3{1, 2, 3}, []float64{1, 2, 3}},
		{"decoded json", []any{1.0, json.Number("2"), 3}, []float64{1, 2, 3}},
		{"sequencer", tensor{values: []float64{9}}, []float64{9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToSequence(tc.in)
			if err != nil {
				t.Fatalf("ToSequence: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestToSequenceRejectsUnsupported(t *testing.T) {
	for name, in := range map[string]any{
		"string":        "1,2",
		"scalar":        3.0,
		"map":           map[string]any{"a": 1},
		"mixed":         []any{1.0, "x"},
		"bools":         []any{true},
		"string slice":  []string{"1"},
		"nested arrays": [][]float64{{1}},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ToSequence(in); !errors.Is(err, domain.ErrUnsupportedValue) {
				t.Fatalf("expected ErrUnsupportedValue, got %v", err)
			}
		})
	}
}

func TestToSequenceCopiesInput(t *testing.T) {
	in := []float64{1, 2}
	out, _ := ToSequence(in)
	out[0] = 42
	if in[0] != 1 {
		t.Fatalf("ToSequence aliased its input")
	}
}

func TestNormalizeMapLeavesNonNumericValues(t *testing.T) {
	in := map[string]any{
		"label":  "box",
		"nested": map[string]any{"pos": [3]float64{1, 2, 3}},
		"mixed":  []any{"a", [2]int{1, 2}},
		"flag":   true,
	}
	out := normalizeMap(in)
	if out["label"] != "box" || out["flag"] != true {
		t.Fatalf("scalars changed: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if !reflect.DeepEqual(nested["pos"], []float64{1, 2, 3}) {
		t.Fatalf("nested array not flattened: %#v", nested["pos"])
	}
	mixed := out["mixed"].([]any)
	if mixed[0] != "a" || !reflect.DeepEqual(mixed[1], []float64{1, 2}) {
		t.Fatalf("mixed list not normalized element-wise: %#v", mixed)
	}
	if normalizeMap(nil) != nil {
		t.Fatalf("nil map should stay nil")
	}
}
