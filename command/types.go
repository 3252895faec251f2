package command

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ArgType is the declared primitive type of one positional argument.
type ArgType int

const (
	Int ArgType = iota
	Float
	Str
	Bool
	List
	Dict
)

var argTypeNames = [...]string{
	Int:   "int",
	Float: "float",
	Str:   "str",
	Bool:  "bool",
	List:  "list",
	Dict:  "dict",
}

func (t ArgType) String() string {
	if t < 0 || int(t) >= len(argTypeNames) {
		return fmt.Sprintf("ArgType(%d)", int(t))
	}
	return argTypeNames[t]
}

// ParseArgType maps a wire type name back to an ArgType.
func ParseArgType(name string) (ArgType, error) {
	for i, n := range argTypeNames {
		if n == name {
			return ArgType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown argument type %q", name)
}

// Kind tags a command as reading or changing device state. It is metadata for
// the console only; dispatch treats both the same way.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// TypeName returns the wire type name of a decoded JSON value.
func TypeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case json.Number:
		if isInteger(x) {
			return "int"
		}
		return "float"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case string:
		return "str"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// isInteger classifies by lexical form, so an integer too large for int64 is
// still an int.
func isInteger(n json.Number) bool {
	return !strings.ContainsAny(string(n), ".eE")
}

// convert returns the Go value handed to handlers for a v already of type t.
// It fails when v does not fit that Go value.
func (t ArgType) convert(v any) (any, bool) {
	switch t {
	case Int:
		return toInt64(v)
	case Float:
		return toFloat64(v)
	}
	return v, true
}

func toInt64(v any) (any, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), uint64(x) <= math.MaxInt64
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= math.MaxInt64
	}
	return nil, false
}

func toFloat64(v any) (any, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return nil, false
}

// Args holds validated positional arguments. Each element has the Go type that
// corresponds to its declared ArgType: int64, float64, string, bool, []any or
// map[string]any. The accessors panic on a type the registry did not declare,
// which Controller reports as an execution failure.
type Args []any

func (a Args) Int(i int) int64 { return a[i].(int64) }
func (a Args) Float(i int) float64 { return a[i].(float64) }
func (a Args) Str(i int) string { return a[i].(string) }
func (a Args) Bool(i int) bool { return a[i].(bool) }
func (a Args) List(i int) []any { return a[i].([]any) }
func (a Args) Dict(i int) map[string]any { return a[i].(map[string]any) }
