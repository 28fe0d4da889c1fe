// Package canonical provides representation-independent serialization and
// hashing for step inputs and outputs.
//
// Two logically equal structured values always canonicalize to the same
// bytes: map keys are sorted, strings are NFC-normalized, and numerically
// equal numbers share one textual form regardless of how they arrived
// (int, int64, float64, json.Number). The resulting digest is what the
// engine stores as input_hash/output_hash and folds into the root hash, so
// any serialization noise here would show up as false drift downstream.
package canonical

import (
	"encoding/json"
	"fmt"
)

// Value is a sealed interface over the closed set of types the canonicalizer
// understands. Only String, Number, Bool, Null, List, and Map implement it.
// Keeping the set closed makes Marshal's type dispatch exhaustive: there is
// no value a skill can smuggle in that serializes two different ways.
type Value interface {
	value()
}

// String is a UTF-8 string value. It is NFC-normalized at serialization time.
type String string

func (String) value() {}

// Number holds any numeric value as float64. Integral values within the
// float64-exact range serialize as plain integers, so Number(1) and an input
// literal int(1) produce identical canonical bytes.
type Number float64

func (Number) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Null is the explicit null value. Using a concrete type (rather than a nil
// interface) keeps the sealed set total.
type Null struct{}

func (Null) value() {}

// List is an ordered sequence of values. Order is significant for hashing.
type List []Value

func (List) value() {}

// Map is a string-keyed mapping. Insertion order is irrelevant: keys are
// sorted before serialization.
type Map map[string]Value

func (Map) value() {}

// Error indicates a value contained a type the canonicalizer does not
// recognize (a resource handle, channel, function, ...). Callers must not
// pass such values into hashed fields; this error is a contract violation,
// not a transient condition.
type Error struct {
	// Path locates the offending value inside the structure, e.g.
	// "output.result[2].handle".
	Path string

	// Type is the Go type that could not be canonicalized.
	Type string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("canonicalize: unsupported type %s at %s", e.Type, e.Path)
	}
	return fmt.Sprintf("canonicalize: unsupported type %s", e.Type)
}

// FromGo converts a plain Go value into the closed Value set.
//
// Supported inputs: nil, bool, string, all int/uint widths, float32/float64,
// json.Number, []any, map[string]any, and values already in the Value set
// (including nested List/Map). Anything else fails with *Error.
//
// Integer values outside the float64-exact range ±2^53 and json.Number
// values that parse to neither int64 nor float64 are rejected rather than
// silently rounded.
func FromGo(v any) (Value, error) {
	return fromGo(v, "")
}

func fromGo(v any, path string) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return intNumber(int64(val), path)
	case int8:
		return Number(val), nil
	case int16:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return intNumber(val, path)
	case uint:
		return uintNumber(uint64(val), path)
	case uint8:
		return Number(val), nil
	case uint16:
		return Number(val), nil
	case uint32:
		return Number(val), nil
	case uint64:
		return uintNumber(val, path)
	case float32:
		return Number(val), nil
	case float64:
		return Number(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return intNumber(i, path)
		}
		if f, err := val.Float64(); err == nil {
			return Number(f), nil
		}
		return nil, &Error{Path: path, Type: fmt.Sprintf("json.Number(%s)", val)}
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			cv, err := fromGo(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			list[i] = cv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			cv, err := fromGo(elem, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = cv
		}
		return m, nil
	default:
		return nil, &Error{Path: path, Type: fmt.Sprintf("%T", v)}
	}
}

// intNumber converts an integer into a Number, rejecting magnitudes the
// float64 backing cannot hold exactly. Accepting them would make distinct
// integers above 2^53 hash identically.
func intNumber(v int64, path string) (Value, error) {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return nil, &Error{Path: path, Type: fmt.Sprintf("integer beyond exact range (%d)", v)}
	}
	return Number(v), nil
}

func uintNumber(v uint64, path string) (Value, error) {
	if v > maxSafeInteger {
		return nil, &Error{Path: path, Type: fmt.Sprintf("integer beyond exact range (%d)", v)}
	}
	return Number(v), nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// ToGo converts a Value back into plain Go types (string, float64, bool,
// nil, []any, map[string]any). Used when replaying recorded outputs into
// skill inputs.
func ToGo(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Number:
		return float64(val)
	case Bool:
		return bool(val)
	case Null:
		return nil
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}
