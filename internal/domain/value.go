package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags a Value node.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueList
	ValueObject
)

// Value is the dynamic tree used for render contexts, automation condition
// operands and webhook payloads. A single LookupPath walk replaces the
// reflection-based field access the rest of the platform avoids.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	List []Value
	Obj  map[string]Value
}

func Null() Value              { return Value{Kind: ValueNull} }
func BoolValue(b bool) Value   { return Value{Kind: ValueBool, Bool: b} }
func IntValue(i int64) Value   { return Value{Kind: ValueInt, Int: i} }
func FloatValue(f float64) Value {
	return Value{Kind: ValueFloat, Flt: f}
}
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }
func ListValue(items ...Value) Value {
	return Value{Kind: ValueList, List: items}
}
func ObjectValue(obj map[string]Value) Value {
	return Value{Kind: ValueObject, Obj: obj}
}

// FromAny converts decoded JSON (or plain Go values) into a Value tree.
func FromAny(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float64:
		// JSON numbers decode as float64; keep integral values as ints so
		// condition comparisons behave predictably.
		if t == float64(int64(t)) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case string:
		return StringValue(t)
	case time.Time:
		return StringValue(t.UTC().Format(time.RFC3339))
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, FromAny(item))
		}
		return ListValue(items...)
	case []string:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, StringValue(item))
		}
		return ListValue(items...)
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			obj[k] = FromAny(item)
		}
		return ObjectValue(obj)
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return Null()
		}
		return FromAny(decoded)
	default:
		return StringValue(fmt.Sprintf("%v", t))
	}
}

// LookupPath resolves a dotted path like "contact.custom.plan" against the
// tree. List elements are addressable by numeric segment. Missing paths
// return Null.
func LookupPath(v Value, path string) Value {
	if path == "" {
		return v
	}
	current := v
	for _, segment := range strings.Split(path, ".") {
		switch current.Kind {
		case ValueObject:
			next, ok := current.Obj[segment]
			if !ok {
				return Null()
			}
			current = next
		case ValueList:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(current.List) {
				return Null()
			}
			current = current.List[idx]
		default:
			return Null()
		}
	}
	return current
}

// IsNull reports whether the value is the null node.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

// IsSet reports whether the value is non-null and, for strings, non-empty.
func (v Value) IsSet() bool {
	if v.Kind == ValueNull {
		return false
	}
	if v.Kind == ValueString {
		return v.Str != ""
	}
	return true
}

// AsString renders the value the way the template engine would print it.
func (v Value) AsString() string {
	switch v.Kind {
	case ValueNull:
		return ""
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Flt, 'f', -1, 64)
	case ValueString:
		return v.Str
	case ValueList:
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			parts = append(parts, item.AsString())
		}
		return strings.Join(parts, ", ")
	case ValueObject:
		b, _ := json.Marshal(v.ToAny())
		return string(b)
	}
	return ""
}

// AsFloat converts numeric and numeric-string values; ok is false otherwise.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case ValueInt:
		return float64(v.Int), true
	case ValueFloat:
		return v.Flt, true
	case ValueString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
	return 0, false
}

// ToAny converts back to plain Go values for JSON encoding.
func (v Value) ToAny() interface{} {
	switch v.Kind {
	case ValueNull:
		return nil
	case ValueBool:
		return v.Bool
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Flt
	case ValueString:
		return v.Str
	case ValueList:
		items := make([]interface{}, 0, len(v.List))
		for _, item := range v.List {
			items = append(items, item.ToAny())
		}
		return items
	case ValueObject:
		obj := make(map[string]interface{}, len(v.Obj))
		for k, item := range v.Obj {
			obj[k] = item.ToAny()
		}
		return obj
	}
	return nil
}

// Contains reports membership: substring for strings, element equality for
// lists.
func (v Value) Contains(needle Value) bool {
	switch v.Kind {
	case ValueString:
		return strings.Contains(v.Str, needle.AsString())
	case ValueList:
		for _, item := range v.List {
			if item.AsString() == needle.AsString() {
				return true
			}
		}
	}
	return false
}
