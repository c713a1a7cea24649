package formula

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind represents numeric constants for the runtime value kinds
type Kind uint8

const (
	KindNull   Kind = 0
	KindBool   Kind = 1
	KindNumber Kind = 2
	KindString Kind = 3
	KindList   Kind = 4
	KindRecord Kind = 5
)

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindBool:   "boolean",
	KindNumber: "number",
	KindString: "string",
	KindList:   "list",
	KindRecord: "record",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// maxSafeInteger is the largest magnitude a float64 holds without losing
// integer precision
const maxSafeInteger = 1 << 53

// Value is a tagged runtime value. exactly one payload is meaningful,
// selected by kind. the zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	rec  map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Int(n int64) Value { return Number(float64(n)) }
func Millis(t time.Time) Value { return Int(t.UnixMilli()) }

// Record builds a record value. the map is owned by the value afterwards.
func Record(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindRecord, rec: fields}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) String() string { return Stringify(v) }

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsNumber() (float64, bool) {
	return v.n, v.kind == KindNumber
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

func (v Value) AsRecord() (map[string]Value, bool) {
	return v.rec, v.kind == KindRecord
}

// Get returns a record attribute, or null when absent or not a record.
func (v Value) Get(key string) Value {
	if v.kind != KindRecord {
		return Null()
	}
	return v.rec[key]
}

// Index returns a list element, or null when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null()
	}
	return v.list[i]
}

// Len is the element count of a list, key count of a record, rune count of
// a string and zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindRecord:
		return len(v.rec)
	case KindString:
		return len([]rune(v.s))
	}
	return 0
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.Clone()
		}
		return List(out...)
	case KindRecord:
		out := make(map[string]Value, len(v.rec))
		for k, item := range v.rec {
			out[k] = item.Clone()
		}
		return Record(out)
	}
	return v
}

// Equal is structural equality. values of different kinds are never equal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(a.rec) != len(b.rec) {
			return false
		}
		for k, av := range a.rec {
			bv, ok := b.rec[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Truthy: null and false are falsy, as are zero, the empty string and
// empty collections.
func Truthy(v Value) bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.list) > 0
	case KindRecord:
		return len(v.rec) > 0
	}
	return false
}

// toNumber coerces numbers, numeric strings and null. booleans do not
// coerce.
func toNumber(v Value) (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindNull:
		return 0, true
	case KindString:
		s := strings.TrimSpace(v.s)
		if s == "" {
			return 0, false
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return num, true
	}
	return 0, false
}

// formatNumber renders integral numbers without a fractional part
func formatNumber(n float64) string {
	if math.IsInf(n, 1) {
		return "Infinity"
	}
	if math.IsInf(n, -1) {
		return "-Infinity"
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e21 {
		return strconv.FormatFloat(n, 'f', 0, 64)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Stringify is the canonical text form used by concat and text fields.
func Stringify(v Value) string {
	var sb strings.Builder
	writeValue(&sb, v)
	return sb.String()
}

func writeValue(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		sb.WriteString(formatNumber(v.n))
	case KindString:
		sb.WriteString(v.s)
	case KindList:
		sb.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(sb, item)
		}
		sb.WriteByte(']')
	case KindRecord:
		keys := make([]string, 0, len(v.rec))
		for k := range v.rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			writeValue(sb, v.rec[k])
		}
		sb.WriteByte('}')
	}
}

// FromNative converts loosely typed decoded data into a Value. every
// integer and float width collapses into the single Number representation.
func FromNative(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case []byte:
		return String(string(t))
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case time.Time:
		return Millis(t)
	case []Value:
		return List(t...)
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return List(out...)
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = FromNative(item)
		}
		return List(out...)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = FromNative(item)
		}
		return Record(out)
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = FromNative(item)
		}
		return Record(out)
	case map[string]Value:
		return Record(t)
	}
	return String(fmt.Sprint(x))
}

// Native converts a Value back into plain data for encoding. integral
// numbers within the 53-bit safe range come back as int64.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.n == math.Trunc(v.n) && math.Abs(v.n) <= maxSafeInteger {
			return int64(v.n)
		}
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindRecord:
		out := make(map[string]any, len(v.rec))
		for k, item := range v.rec {
			out[k] = item.Native()
		}
		return out
	}
	return nil
}

// compareValues orders values for sorting: numbers numerically, strings
// lexically, otherwise by kind.
func compareValues(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		}
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := compareValues(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return len(a.list) - len(b.list)
	}
	return 0
}
