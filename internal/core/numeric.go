package core

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"replaycore/pkg/domain"
)

// Sequencer is implemented by numeric containers that know how to flatten
// themselves into a plain float64 sequence.
type Sequencer interface {
	Sequence() []float64
}

// ToSequence normalizes a numeric array-like value into []float64. Accepted
// inputs are a Sequencer, slices or fixed-size arrays of Go numeric kinds, and
// []any whose elements are numbers (including json.Number). Anything else fails
// with domain.ErrUnsupportedValue. A nil input yields an empty sequence.
func ToSequence(v any) ([]float64, error) {
	switch t := v.(type) {
	case nil:
		return []float64{}, nil
	case Sequencer:
		return append([]float64{}, t.Sequence()...), nil
	case []float64:
		return append([]float64{}, t...), nil
	case []float32:
		return convertSlice(t), nil
	case []int:
		return convertSlice(t), nil
	case []int32:
		return convertSlice(t), nil
	case []int64:
		return convertSlice(t), nil
	case []uint8:
		return convertSlice(t), nil
	case []any:
		out := make([]float64, len(t))
		for i, elem := range t {
			f, err := toFloat(elem)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", domain.ErrUnsupportedValue, i, err)
			}
			out[i] = f
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array && rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: %T is not a numeric sequence", domain.ErrUnsupportedValue, v)
	}
	out := make([]float64, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		f, ok := reflectFloat(rv.Index(i))
		if !ok {
			return nil, fmt.Errorf("%w: %T element %d is not numeric", domain.ErrUnsupportedValue, v, i)
		}
		out[i] = f
	}
	return out, nil
}

type number interface {
	~float32 | ~float64 | ~int | ~int32 | ~int64 | ~uint8
}

func convertSlice[T number](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case bool:
		return 0, fmt.Errorf("bool is not numeric")
	}
	f, ok := reflectFloat(reflect.ValueOf(v))
	if !ok {
		return 0, fmt.Errorf("%T is not numeric", v)
	}
	return f, nil
}

func reflectFloat(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Interface:
		if rv.IsNil() {
			return 0, false
		}
		return reflectFloat(rv.Elem())
	}
	return 0, false
}

// checkFinite rejects NaN and infinities, which JSON cannot carry.
func checkFinite(field string, v []float64) error {
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s[%d] is not finite", domain.ErrUnsupportedValue, field, i)
		}
	}
	return nil
}

// normalizeValue rewrites numeric array-like values nested in metadata maps
// into plain []float64 so the persisted form never depends on the Go type that
// produced it. Non-numeric values pass through unchanged.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, json.Number:
		return v
	case Sequencer:
		return append([]float64{}, t.Sequence()...)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		if seq, err := ToSequence(t); err == nil {
			return seq
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array || rv.Kind() == reflect.Slice {
		if seq, err := ToSequence(v); err == nil {
			return seq
		}
	}
	return v
}

func normalizeMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out, _ := normalizeValue(in).(map[string]any)
	return out
}
