package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind string

const (
	// KindString holds a string.
	KindString Kind = "string"

	// KindInt holds a 64-bit signed integer.
	KindInt Kind = "int"

	// KindFloat holds a 64-bit float.
	KindFloat Kind = "float"

	// KindBool holds a boolean.
	KindBool Kind = "bool"

	// KindStringList holds an ordered list of strings.
	KindStringList Kind = "stringList"
)

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindStringList:
		return nil
	default:
		return fmt.Errorf("invalid value kind: %q", k)
	}
}

// Value is a tagged union over the primitive types an action input, output
// or workflow variable may hold. The zero Value holds nothing.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	bln  bool
	list []string
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue returns an int Value.
func IntValue(i int64) Value { return Value{kind: KindInt, num: i} }

// FloatValue returns a float Value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, flt: f} }

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, bln: b} }

// ListValue returns a string list Value. The slice is copied.
func ListValue(items []string) Value {
	return Value{kind: KindStringList, list: append([]string(nil), items...)}
}

// Kind returns the variant held by v, or "" for the zero Value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v holds nothing.
func (v Value) IsZero() bool { return v.kind == "" }

// Int returns the integer held by v.
func (v Value) Int() (int64, bool) { return v.num, v.kind == KindInt }

// Float returns the float held by v.
func (v Value) Float() (float64, bool) { return v.flt, v.kind == KindFloat }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.bln, v.kind == KindBool }

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// List returns a copy of the list held by v.
func (v Value) List() ([]string, bool) {
	if v.kind != KindStringList {
		return nil, false
	}
	return append([]string(nil), v.list...), true
}

// Interface returns the native Go value held by v.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.bln
	case KindStringList:
		return append([]string(nil), v.list...)
	default:
		return nil
	}
}

// String formats v for display and for substitution into other inputs.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.bln)
	case KindStringList:
		return strings.Join(v.list, ",")
	default:
		return ""
	}
}

// Equal reports whether v and o hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindStringList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindFloat:
		return v.flt == o.flt
	case KindBool:
		return v.bln == o.bln
	default:
		return true
	}
}

// wireValue is the JSON form of a Value.
type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}; the zero Value encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}

	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	if err := w.Kind.Validate(); err != nil {
		return err
	}

	// UseNumber keeps ints above 2^53 exact.
	dec := json.NewDecoder(bytes.NewReader(w.Value))
	dec.UseNumber()
	var native interface{}
	if err := dec.Decode(&native); err != nil {
		return fmt.Errorf("failed to decode %s value: %w", w.Kind, err)
	}

	converted, ok := Convert(native, w.Kind)
	if !ok {
		return fmt.Errorf("value %s is not a valid %s", string(w.Value), w.Kind)
	}
	*v = converted
	return nil
}

// ValueOf infers a Value from a decoded JSON/YAML or Starlark-converted value.
// Unsupported shapes yield the zero Value.
func ValueOf(raw interface{}) Value {
	switch val := raw.(type) {
	case Value:
		return val
	case string:
		return StringValue(val)
	case bool:
		return BoolValue(val)
	case int:
		return IntValue(int64(val))
	case int32:
		return IntValue(int64(val))
	case int64:
		return IntValue(val)
	case float32:
		return FloatValue(float64(val))
	case float64:
		return FloatValue(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return IntValue(i)
		}
		if f, err := val.Float64(); err == nil {
			return FloatValue(f)
		}
	case []string:
		return ListValue(val)
	case []interface{}:
		if list, ok := Convert(val, KindStringList); ok {
			return list
		}
	}
	return Value{}
}

// Convert performs a best-effort conversion of raw to the given kind.
// It never panics; ok is false when raw cannot be represented as kind,
// in which case callers fall back to a declared default.
func Convert(raw interface{}, kind Kind) (v Value, ok bool) {
	if raw == nil {
		return Value{}, false
	}
	if existing, isValue := raw.(Value); isValue {
		if existing.kind == kind {
			return existing, true
		}
		if existing.IsZero() {
			return Value{}, false
		}
		raw = existing.Interface()
	}

	switch kind {
	case KindString:
		return toString(raw)
	case KindInt:
		return toInt(raw)
	case KindFloat:
		return toFloat(raw)
	case KindBool:
		return toBool(raw)
	case KindStringList:
		return toList(raw)
	default:
		return Value{}, false
	}
}

func toString(raw interface{}) (Value, bool) {
	switch val := raw.(type) {
	case string:
		return StringValue(val), true
	case bool:
		return StringValue(strconv.FormatBool(val)), true
	case int:
		return StringValue(strconv.Itoa(val)), true
	case int64:
		return StringValue(strconv.FormatInt(val, 10)), true
	case float64:
		return StringValue(strconv.FormatFloat(val, 'g', -1, 64)), true
	case json.Number:
		return StringValue(val.String()), true
	case fmt.Stringer:
		return StringValue(val.String()), true
	default:
		return Value{}, false
	}
}

func toInt(raw interface{}) (Value, bool) {
	switch val := raw.(type) {
	case int:
		return IntValue(int64(val)), true
	case int8:
		return IntValue(int64(val)), true
	case int16:
		return IntValue(int64(val)), true
	case int32:
		return IntValue(int64(val)), true
	case int64:
		return IntValue(val), true
	case uint:
		if uint64(val) > math.MaxInt64 {
			return Value{}, false
		}
		return IntValue(int64(val)), true
	case uint32:
		return IntValue(int64(val)), true
	case uint64:
		if val > math.MaxInt64 {
			return Value{}, false
		}
		return IntValue(int64(val)), true
	case float32:
		return floatToInt(float64(val))
	case float64:
		return floatToInt(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return IntValue(i), true
		}
		f, err := val.Float64()
		if err != nil {
			return Value{}, false
		}
		return floatToInt(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return Value{}, false
		}
		return IntValue(i), true
	default:
		return Value{}, false
	}
}

func floatToInt(f float64) (Value, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return Value{}, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f >= 1<<63 || f < -(1<<63) {
		return Value{}, false
	}
	return IntValue(int64(f)), true
}

func toFloat(raw interface{}) (Value, bool) {
	switch val := raw.(type) {
	case float64:
		return FloatValue(val), true
	case float32:
		return FloatValue(float64(val)), true
	case int:
		return FloatValue(float64(val)), true
	case int32:
		return FloatValue(float64(val)), true
	case int64:
		return FloatValue(float64(val)), true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Value{}, false
		}
		return FloatValue(f), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return Value{}, false
		}
		return FloatValue(f), true
	default:
		return Value{}, false
	}
}

func toBool(raw interface{}) (Value, bool) {
	switch val := raw.(type) {
	case bool:
		return BoolValue(val), true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return Value{}, false
		}
		return BoolValue(b), true
	default:
		return Value{}, false
	}
}

func toList(raw interface{}) (Value, bool) {
	switch val := raw.(type) {
	case []string:
		return ListValue(val), true
	case []interface{}:
		items := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := toString(item)
			if !ok {
				return Value{}, false
			}
			items = append(items, s.str)
		}
		return ListValue(items), true
	case string:
		items := make([]string, 0)
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		return ListValue(items), true
	default:
		return Value{}, false
	}
}
