package formula

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/spacemonkeygo/errors"
)

/*
	'actual' should be an error raised by this package; 'expected' should be
	an `*errors.ErrorClass`. passes when the error is under the umbrella of
	the class.
*/
func ShouldBeErrorClass(actual interface{}, expected ...interface{}) string {
	err, ok := actual.(error)
	if !ok {
		return fmt.Sprintf("You must provide an `error` as the first argument to this assertion; got `%T`", actual)
	}

	var class *errors.ErrorClass
	switch len(expected) {
	case 0:
		return "You must provide a spacemonkey `ErrorClass` as the expectation parameter to this assertion."
	case 1:
		cls, ok := expected[0].(*errors.ErrorClass)
		if !ok {
			return "You must provide a spacemonkey `ErrorClass` as the expectation parameter to this assertion."
		}
		class = cls
	default:
		return "You must provide one parameter as an expectation to this assertion."
	}

	if Is(err, class) {
		return ""
	}
	return fmt.Sprintf("Expected error to be of class %q but it had %q instead!  (Full message: %s)", class.String(), errors.GetClass(err).String(), err.Error())
}

/*
	'actual' should be a Value; 'expected' one Value. compares structurally.
*/
func ShouldEqualValue(actual interface{}, expected ...interface{}) string {
	got, ok := actual.(Value)
	if !ok {
		return fmt.Sprintf("You must provide a `Value` as the first argument to this assertion; got `%T`", actual)
	}
	if len(expected) != 1 {
		return "You must provide one parameter as an expectation to this assertion."
	}
	want, ok := expected[0].(Value)
	if !ok {
		want = FromNative(expected[0])
	}
	if Equal(got, want) {
		return ""
	}
	return fmt.Sprintf("Expected: %s (%s)\nActual:   %s (%s)", Stringify(want), want.Kind(), Stringify(got), got.Kind())
}

// inspectionTime is the instant the fixture document was filled in
var inspectionTime = time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)

func readFixture(t testing.TB) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/document.json")
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return data
}

func openFixture(t testing.TB, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(&FixedClock{T: inspectionTime})}, opts...)
	engine, err := Open(readFixture(t), opts...)
	if err != nil {
		t.Fatalf("opening fixture: %v", err)
	}
	return engine
}

// formulaField builds a number field computed by text
func formulaField(key, text string) *Field {
	return &Field{ID: "id_" + key, Identifier: key, Kind: FieldNumber, Formula: text}
}

// valueField builds a user supplied field
func valueField(key string, kind FieldKind, v Value) *Field {
	return &Field{ID: "id_" + key, Identifier: key, Kind: kind, Value: v}
}

func newDocument(fields ...*Field) *Document {
	return &Document{Version: "1", Identifier: "doc_test", Fields: fields}
}
