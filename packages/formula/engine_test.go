package formula

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spacemonkeygo/errors"
)

type DocumentTestCase struct {
	t      *testing.T
	name   string
	engine *Engine
	err    error
}

func NewDocumentTestCase(t *testing.T, name string, doc *Document, opts ...Option) *DocumentTestCase {
	t.Helper()
	opts = append([]Option{WithClock(&FixedClock{T: inspectionTime})}, opts...)
	engine, err := NewEngine(doc, opts...)
	if err != nil {
		t.Fatalf("%s: NewEngine failed: %v", name, err)
	}
	return &DocumentTestCase{t: t, name: name, engine: engine}
}

func NewFixtureTestCase(t *testing.T, name string) *DocumentTestCase {
	t.Helper()
	return &DocumentTestCase{t: t, name: name, engine: openFixture(t)}
}

func (tc *DocumentTestCase) Edit(key string, value Value) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.engine.ApplyEdit(key, value)
	return tc
}

func (tc *DocumentTestCase) InsertRow(table string, cells map[string]Value, index ...int) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	var at *int
	if len(index) > 0 {
		at = &index[0]
	}
	_, tc.err = tc.engine.InsertRow(table, at, cells)
	return tc
}

func (tc *DocumentTestCase) DeleteRow(table, rowID string) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.engine.DeleteRow(table, rowID)
	return tc
}

func (tc *DocumentTestCase) MoveRow(table string, from, to int) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.engine.MoveRow(table, from, to)
	return tc
}

func (tc *DocumentTestCase) SetFormula(key, text string) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.engine.SetFormula(key, text)
	return tc
}

func (tc *DocumentTestCase) AssertValue(key string, expected Value) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		tc.t.Errorf("%s: unexpected error before asserting %s: %v", tc.name, key, tc.err)
		return tc
	}
	actual, err := tc.engine.GetFieldValue(key)
	if err != nil {
		tc.t.Errorf("%s: GetFieldValue(%s) failed: %v", tc.name, key, err)
		return tc
	}
	if !Equal(actual, expected) {
		tc.t.Errorf("%s: field %s = %s (%s), want %s (%s)", tc.name, key, actual, actual.Kind(), expected, expected.Kind())
	}
	return tc
}

func (tc *DocumentTestCase) AssertNumber(key string, expected float64) *DocumentTestCase {
	return tc.AssertValue(key, Number(expected))
}

func (tc *DocumentTestCase) AssertText(key string, expected string) *DocumentTestCase {
	return tc.AssertValue(key, String(expected))
}

func (tc *DocumentTestCase) AssertEval(text string, expected Value) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	actual, err := tc.engine.Evaluate(text)
	if err != nil {
		tc.t.Errorf("%s: Evaluate(%s) failed: %v", tc.name, text, err)
		return tc
	}
	if !Equal(actual, expected) {
		tc.t.Errorf("%s: %s = %s, want %s", tc.name, text, actual, expected)
	}
	return tc
}

func (tc *DocumentTestCase) AssertState(key string, expected State) *DocumentTestCase {
	tc.t.Helper()
	state, err := tc.engine.FieldState(key)
	if err != nil {
		tc.t.Errorf("%s: FieldState(%s) failed: %v", tc.name, key, err)
		return tc
	}
	if state != expected {
		tc.t.Errorf("%s: field %s is %s, want %s (diagnostic: %v)", tc.name, key, state, expected, tc.engine.FieldError(key))
	}
	return tc
}

func (tc *DocumentTestCase) AssertFieldError(key string, class *errors.ErrorClass) *DocumentTestCase {
	tc.t.Helper()
	err := tc.engine.FieldError(key)
	if msg := ShouldBeErrorClass(err, class); msg != "" {
		tc.t.Errorf("%s: field %s: %s", tc.name, key, msg)
	}
	return tc
}

func (tc *DocumentTestCase) AssertLastPass(keys ...string) *DocumentTestCase {
	tc.t.Helper()
	if got := tc.engine.LastPass(); !slices.Equal(got, keys) {
		tc.t.Errorf("%s: last pass evaluated %v, want %v", tc.name, got, keys)
	}
	return tc
}

func (tc *DocumentTestCase) ExpectAppError(class *errors.ErrorClass) *DocumentTestCase {
	tc.t.Helper()
	if tc.err == nil {
		tc.t.Errorf("%s: expected error of class %s, but got no error", tc.name, class)
		return tc
	}
	if msg := ShouldBeErrorClass(tc.err, class); msg != "" {
		tc.t.Errorf("%s: %s", tc.name, msg)
	}
	tc.err = nil
	return tc
}

func (tc *DocumentTestCase) End() {
	tc.t.Helper()
	if tc.err != nil {
		tc.t.Errorf("%s: unhandled error: %v", tc.name, tc.err)
	}
}

func TestFixtureValues(t *testing.T) {
	NewFixtureTestCase(t, "Applied formula").
		AssertNumber("number2", 20).
		AssertText("text1", "Total: 20").
		End()

	NewFixtureTestCase(t, "Date parts and arithmetic").
		AssertNumber("year1", 2025).
		AssertEval("month(date1)", Int(6)).
		AssertEval("day(date1)", Int(1)).
		AssertValue("dueDate", Int(1749229200000)).
		AssertValue("startDate", Int(1747587600000)).
		End()

	NewFixtureTestCase(t, "Chart paths and lambdas").
		AssertValue("anyHigh", Bool(true)).
		AssertNumber("secondFirstY", 10).
		AssertText("titles", "[Line 1 Title, Line 2 Title]").
		End()

	NewFixtureTestCase(t, "Dropdown labels").
		AssertText("dropdownLabel", "Yes D1").
		AssertText("dropdown1", "Yes D1").
		AssertNumber("yesCount", 2).
		AssertNumber("tableTotal", 15).
		End()

	NewFixtureTestCase(t, "Deleted rows are invisible").
		AssertEval("length(table1)", Int(3)).
		AssertEval("table1.2.amount", Int(3)).
		End()
}

func TestEditPropagation(t *testing.T) {
	NewFixtureTestCase(t, "Edit recomputes transitive dependents once").
		Edit("number1", Int(7)).
		AssertNumber("number2", 14).
		AssertText("text1", "Total: 14").
		AssertLastPass("number2", "text1").
		End()

	NewFixtureTestCase(t, "Edit by _id").
		Edit("fd_number1", Int(1)).
		AssertNumber("number2", 2).
		End()

	NewFixtureTestCase(t, "Date edit").
		Edit("date1", String("2024-02-29")).
		AssertNumber("year1", 2024).
		AssertEval("dateAdd(date1, 1, \"years\")", Millis(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))).
		End()

	NewFixtureTestCase(t, "Unrelated fields are not evaluated").
		Edit("dropdown1", String("No D1")).
		AssertLastPass("dropdownLabel").
		End()
}

func TestDropdownEdits(t *testing.T) {
	tc := NewFixtureTestCase(t, "Edit by label stores the id").
		Edit("dropdown1", String("No D1")).
		AssertText("dropdownLabel", "No D1")
	f, err := tc.engine.GetField("dropdown1")
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(f.Value, String("opt2")) {
		t.Errorf("stored dropdown value = %s, want opt2", f.Value)
	}
	tc.End()

	NewFixtureTestCase(t, "Edit by id").
		Edit("dropdown1", String("opt2")).
		AssertText("dropdown1", "No D1").
		End()
}

func TestTableOperations(t *testing.T) {
	NewFixtureTestCase(t, "Insert appends").
		InsertRow("table1", map[string]Value{"status": String("Yes D1"), "amount": Int(10)}).
		AssertNumber("yesCount", 3).
		AssertNumber("tableTotal", 25).
		AssertEval("table1.3.amount", Int(10)).
		End()

	NewFixtureTestCase(t, "Insert at position by column id").
		InsertRow("table1", map[string]Value{"col_amount": Int(1)}, 0).
		AssertEval("table1.0.amount", Int(1)).
		AssertEval("table1.0.status", Null()).
		AssertEval("table1.1.amount", Int(5)).
		End()

	NewFixtureTestCase(t, "Delete").
		DeleteRow("table1", "r1").
		AssertNumber("yesCount", 1).
		AssertNumber("tableTotal", 10).
		End()

	NewFixtureTestCase(t, "Move").
		MoveRow("table1", 0, 2).
		AssertEval("map(table1, r -> r.amount)", List(Int(7), Int(3), Int(5))).
		MoveRow("table1", 2, 0).
		AssertEval("map(table1, r -> r.amount)", List(Int(5), Int(7), Int(3))).
		AssertLastPass("yesCount", "tableTotal").
		End()

	NewFixtureTestCase(t, "Insert before a moved row skips deleted rows").
		DeleteRow("table1", "r2").
		InsertRow("table1", map[string]Value{"amount": Int(9)}, 1).
		AssertEval("map(table1, (r, i) -> concat(i, \":\", r.amount))", List(String("0:5"), String("1:9"), String("2:3"))).
		End()

	NewFixtureTestCase(t, "Bad row operations").
		InsertRow("table1", map[string]Value{}, 4).
		ExpectAppError(OutOfRangeError).
		InsertRow("table1", map[string]Value{"nope": Int(1)}).
		ExpectAppError(InvalidArgumentError).
		InsertRow("table1", map[string]Value{"amount": String("many")}).
		ExpectAppError(InvalidArgumentError).
		InsertRow("number1", map[string]Value{}).
		ExpectAppError(InvalidArgumentError).
		DeleteRow("table1", "r4").
		ExpectAppError(NotFoundError).
		DeleteRow("missing", "r1").
		ExpectAppError(NotFoundError).
		MoveRow("table1", 0, 3).
		ExpectAppError(OutOfRangeError).
		MoveRow("table1", -1, 0).
		ExpectAppError(OutOfRangeError).
		End()
}

func TestEditErrors(t *testing.T) {
	NewFixtureTestCase(t, "Formula fields reject edits").
		Edit("number2", Int(1)).
		ExpectAppError(FailedPreconditionError).
		Edit("nothing", Int(1)).
		ExpectAppError(NotFoundError).
		Edit("number1", String("ten")).
		ExpectAppError(InvalidArgumentError).
		Edit("table1", Int(1)).
		ExpectAppError(InvalidArgumentError).
		AssertNumber("number2", 20).
		End()
}

func TestCyclicDependencies(t *testing.T) {
	doc := newDocument(
		formulaField("a", "b + 1"),
		formulaField("b", "a + 1"),
		formulaField("c", "1 + 2"),
		formulaField("d", "a + c"),
	)
	NewDocumentTestCase(t, "Two field cycle", doc).
		AssertState("a", ErrorState).
		AssertState("b", ErrorState).
		AssertFieldError("a", CyclicDependencyError).
		AssertFieldError("b", CyclicDependencyError).
		AssertValue("a", Null()).
		AssertNumber("c", 3).
		AssertState("d", CleanState).
		AssertNumber("d", 3).
		SetFormula("b", "5").
		AssertState("a", CleanState).
		AssertNumber("a", 6).
		AssertNumber("d", 9).
		End()

	NewDocumentTestCase(t, "Self reference", newDocument(formulaField("a", "a * 2"))).
		AssertState("a", ErrorState).
		AssertFieldError("a", CyclicDependencyError).
		End()

	NewDocumentTestCase(t, "Cycle through a lambda", newDocument(
		formulaField("a", "sum(map([1, 2], x -> x + b))"),
		formulaField("b", "a"),
	)).
		AssertFieldError("a", CyclicDependencyError).
		AssertFieldError("b", CyclicDependencyError).
		End()
}

func TestErrorsStayLocal(t *testing.T) {
	doc := newDocument(
		formulaField("x", "1 / 0"),
		formulaField("y", "x + 1"),
		formulaField("z", "missing + 1"),
		formulaField("w", "\"abc\""),
		formulaField("ok", "2 * 3"),
	)
	NewDocumentTestCase(t, "Evaluation errors", doc).
		AssertFieldError("x", DivideByZeroError).
		AssertValue("x", Null()).
		AssertState("y", CleanState).
		AssertNumber("y", 1).
		AssertFieldError("z", UnknownFieldError).
		AssertFieldError("w", TypeMismatchError).
		AssertNumber("ok", 6).
		End()
}

func TestParseErrors(t *testing.T) {
	doc := newDocument(
		formulaField("a", "nope(1)"),
		formulaField("b", "a + 1"),
		valueField("n", FieldNumber, Int(4)),
	)
	tc := NewDocumentTestCase(t, "Parse errors keep the field out of the graph", doc).
		AssertFieldError("a", UnknownFunctionError).
		AssertState("a", ErrorState).
		AssertNumber("b", 1)

	err := tc.engine.SetFormula("n", "1 +")
	if msg := ShouldBeErrorClass(err, ParseError); msg != "" {
		t.Error(msg)
	}
	tc.AssertFieldError("n", ParseError).
		AssertValue("n", Null()).
		SetFormula("n", "  ").
		AssertState("n", CleanState).
		SetFormula("a", "n + 2").
		AssertNumber("a", 2).
		AssertNumber("b", 3).
		End()

	span, ok := SpanOf(err)
	if !ok || span.Start != 3 {
		t.Errorf("parse error span = %v %v, want start 3", span, ok)
	}
}

func TestBudget(t *testing.T) {
	config := DefaultConfig()
	config.Budget.MaxSteps = 10
	doc := func() *Document {
		return newDocument(
			formulaField("big", "sum(map([1, 2, 3, 4, 5, 6, 7, 8, 9, 10], x -> x * 2))"),
			formulaField("small", "1 + 1"),
		)
	}
	NewDocumentTestCase(t, "Budget exhaustion", doc(), WithConfig(config)).
		AssertFieldError("big", BudgetExceededError).
		AssertNumber("small", 2).
		End()

	NewDocumentTestCase(t, "Default budget", doc()).
		AssertNumber("big", 110).
		End()
}

func TestVolatileFormulas(t *testing.T) {
	clock := &FixedClock{T: inspectionTime}
	doc := newDocument(
		&Field{ID: "id_stamp", Identifier: "stamp", Kind: FieldDate, Formula: "now()"},
		valueField("n", FieldNumber, Int(1)),
	)
	tc := NewDocumentTestCase(t, "now() follows the clock", doc, WithClock(clock)).
		AssertValue("stamp", Millis(inspectionTime))

	clock.T = inspectionTime.Add(time.Hour)
	tc.Edit("n", Int(2)).
		AssertLastPass("stamp").
		AssertValue("stamp", Millis(clock.T))

	clock.T = clock.T.Add(time.Hour)
	tc.engine.Recompute()
	tc.AssertValue("stamp", Millis(clock.T)).End()
}

func TestWriteBack(t *testing.T) {
	doc := newDocument(
		&Field{ID: "id_t", Identifier: "t", Kind: FieldText, Formula: "1 < 2"},
		&Field{ID: "id_b", Identifier: "b", Kind: FieldBoolean, Formula: "\"yes\""},
		&Field{ID: "id_d", Identifier: "d", Kind: FieldDate, Formula: "\"2025-06-01T17:00:00Z\""},
		&Field{ID: "id_n", Identifier: "n", Kind: FieldNumber, Formula: "\"12.5\""},
		&Field{ID: "id_dd", Identifier: "dd", Kind: FieldDropdown, Formula: "\"Two\"",
			Options: []Choice{{ID: "o1", Label: "One"}, {ID: "o2", Label: "Two"}}},
	)
	tc := NewDocumentTestCase(t, "Results are coerced to the field kind", doc).
		AssertText("t", "true").
		AssertValue("b", Bool(true)).
		AssertValue("d", Int(1748797200000)).
		AssertNumber("n", 12.5).
		AssertText("dd", "Two")
	f, _ := tc.engine.GetField("dd")
	if !Equal(f.Value, String("o2")) {
		t.Errorf("dropdown formula stored %s, want o2", f.Value)
	}
	tc.End()
}

func TestSnapshotAndEncode(t *testing.T) {
	engine := openFixture(t)
	if err := engine.ApplyEdit("number1", Int(3)); err != nil {
		t.Fatal(err)
	}
	snap, rev := engine.Snapshot()
	if rev != 1 {
		t.Errorf("revision = %d, want 1", rev)
	}
	f, _ := snap.Field("number1")
	f.Value = Int(99)
	if v, _ := engine.GetNumber("number1"); v != 3 {
		t.Errorf("snapshot shares state with the engine: number1 = %v", v)
	}

	var buf bytes.Buffer
	if err := engine.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(buf.Bytes(), WithClock(&FixedClock{T: inspectionTime}))
	if err != nil {
		t.Fatalf("reopening encoded document: %v", err)
	}
	for _, key := range engine.Keys() {
		want, _ := engine.GetFieldValue(key)
		got, _ := reopened.GetFieldValue(key)
		if !Equal(want, got) {
			t.Errorf("field %s = %s after round trip, want %s", key, got, want)
		}
	}
}

func TestTypedAccessors(t *testing.T) {
	engine := openFixture(t)
	if n, err := engine.GetNumber("number2"); err != nil || n != 20 {
		t.Errorf("GetNumber = %v, %v", n, err)
	}
	if s, err := engine.GetText("number2"); err != nil || s != "20" {
		t.Errorf("GetText = %q, %v", s, err)
	}
	if b, err := engine.GetBool("anyHigh"); err != nil || !b {
		t.Errorf("GetBool = %v, %v", b, err)
	}
	if _, err := engine.GetNumber("text1"); !Is(err, TypeMismatchError) {
		t.Errorf("GetNumber on text = %v, want TypeMismatch", err)
	}
	if _, err := engine.GetField("nothing"); !Is(err, NotFoundError) {
		t.Errorf("GetField on missing = %v, want NotFound", err)
	}
}

func TestSchemaGate(t *testing.T) {
	_, err := Open([]byte(`{"v": "2.0.0", "fields": []}`))
	if msg := ShouldBeErrorClass(err, SchemaVersionError); msg != "" {
		t.Fatal(msg)
	}
	if CodeOf(err) != CodeSchemaVersion {
		t.Errorf("code = %q", CodeOf(err))
	}
	doc, ok := RejectedDocument(err)
	if !ok || doc.GateError != err {
		t.Errorf("rejected document not attached to the gate error")
	}

	_, err = Open([]byte(`{"fields": [{"identifier": "a"}]}`))
	if msg := ShouldBeErrorClass(err, SchemaValidationError); msg != "" {
		t.Fatal(msg)
	}

	_, err = NewEngine(newDocument(&Field{Identifier: "a"}))
	if msg := ShouldBeErrorClass(err, SchemaValidationError); msg != "" {
		t.Fatal(msg)
	}
}

func TestRunnableEngine(t *testing.T) {
	var lines []string
	printLn := func(s string) { lines = append(lines, s) }

	engine, err := OpenRunnable(readFixture(t), printLn, WithClock(&FixedClock{T: inspectionTime})).
		Edit("number1", Int(5)).
		InsertRow("table1", map[string]Value{"amount": Int(5)}).
		Log("number2").
		Run()
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := engine.GetNumber("tableTotal"); v != 20 {
		t.Errorf("tableTotal = %v, want 20", v)
	}
	if len(lines) != 1 || lines[0] != "number2 = 10 [clean]" {
		t.Errorf("logged %q", lines)
	}

	r := NewRunnableEngine(engine, printLn).
		Edit("number2", Int(1)).
		Edit("number1", Int(100))
	if !Is(r.Error(), FailedPreconditionError) {
		t.Errorf("chain error = %v", r.Error())
	}
	if v := r.Reset().Value("number2"); !Equal(v, Int(10)) {
		t.Errorf("edit after a failed step ran: number2 = %s", v)
	}
}

func TestIndependentEngines(t *testing.T) {
	data := readFixture(t)
	var wg sync.WaitGroup
	results := make([]float64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine, err := Open(data)
			if err != nil {
				t.Error(err)
				return
			}
			if err := engine.ApplyEdit("number1", Int(int64(i))); err != nil {
				t.Error(err)
				return
			}
			results[i], _ = engine.GetNumber("number2")
		}(i)
	}
	wg.Wait()
	for i, got := range results {
		if got != float64(2*i) {
			t.Errorf("engine %d: number2 = %v, want %d", i, got, 2*i)
		}
	}
}

func TestSerializedWriters(t *testing.T) {
	engine := openFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := engine.InsertRow("table1", nil, map[string]Value{"amount": Int(1)}); err != nil {
				t.Error(err)
			}
			_, _ = engine.GetFieldValue(fmt.Sprintf("number%d", i%2+1))
		}(i)
	}
	wg.Wait()
	if v, _ := engine.GetNumber("tableTotal"); v != 35 {
		t.Errorf("tableTotal = %v, want 35", v)
	}
	if engine.Revision() != 20 {
		t.Errorf("revision = %d, want 20", engine.Revision())
	}
}
