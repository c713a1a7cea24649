package formula

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fixtureScope evaluates formula text over the raw fixture fields, without
// an engine: formula fields read as whatever the file stored for them.
func fixtureScope(t *testing.T) func(text string) (Value, error) {
	doc, err := DecodeDocument(readFixture(t))
	if err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	functions := NewBuiltInFunctions(&FixedClock{T: inspectionTime})
	table := NewFieldIndex()
	for _, f := range doc.Fields {
		table.DefineField(f)
	}
	schema := NewSchema(doc)
	return func(text string) (Value, error) {
		node, err := Parse(text, functions)
		if err != nil {
			return Null(), err
		}
		return Evaluate(node, table, schema, functions, nil)
	}
}

func TestOperators(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Arithmetic", t, func() {
		cases := map[string]Value{
			"1 + 2 * 3":   Int(7),
			"(1 + 2) * 3": Int(9),
			"10 / 4":      Number(2.5),
			"7 - 10":      Int(-3),
			`"2" * 3`:     Int(6),
			"null + 1":    Int(1),
			`-"3"`:        Int(-3),
			"--4":         Int(4),
		}
		for text, want := range cases {
			v, err := eval(text)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, want)
		}
	})

	Convey("Arithmetic on non-numbers is a type mismatch", t, func() {
		for _, text := range []string{`"abc" + 1`, "true + 1", "[1] * 2", "-true"} {
			_, err := eval(text)
			So(err, ShouldBeErrorClass, TypeMismatchError)
		}
	})

	Convey("Division by zero", t, func() {
		v, err := eval("1 / 0")
		So(err, ShouldBeErrorClass, DivideByZeroError)
		So(v, ShouldEqualValue, Null())

		span, ok := SpanOf(err)
		So(ok, ShouldBeTrue)
		So(span, ShouldResemble, Span{Start: 0, End: 5})
	})

	Convey("Comparison", t, func() {
		cases := map[string]Value{
			"1 < 2":              Bool(true),
			"2 <= 2":             Bool(true),
			`"10" > 9`:           Bool(true),
			`1 == "1"`:           Bool(false),
			`1 != "1"`:           Bool(true),
			"null == null":       Bool(true),
			"[1, 2] == [1, 2]":   Bool(true),
			"true < 1":           Null(),
			"null < 5":           Null(),
			"null > -1":          Null(),
			"5 >= null":          Null(),
			`"apple" < "banana"`: Null(),
			`"b" > "a"`:          Null(),
			`"2" < "10"`:         Bool(true),
		}
		for text, want := range cases {
			v, err := eval(text)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, want)
		}
	})

	Convey("Logic short-circuits", t, func() {
		cases := map[string]Value{
			"!0":                                     Bool(true),
			`!""`:                                    Bool(true),
			`0 || "x"`:                               Bool(true),
			"1 && 0":                                 Bool(false),
			"false && (1 / 0)":                       Bool(false),
			"true || missing":                        Bool(true),
			"number1 > 5 && dropdown1 == \"Yes D1\"": Bool(true),
		}
		for text, want := range cases {
			v, err := eval(text)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, want)
		}
	})
}

func TestPaths(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Given the inspection fixture", t, func() {
		Convey("chart lines are lists of records", func() {
			v, err := eval("chart1.1.points.0.y")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, 10)

			v, err = eval("chart1[1].title")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, "Line 2 Title")

			v, err = eval(`chart1.0["title"]`)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, "Line 1 Title")
		})

		Convey("member access maps over table rows", func() {
			v, err := eval("table1.amount")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, List(Int(5), Int(7), Int(3)))

			v, err = eval("table1.status")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, List(String("Yes D1"), String("No D1"), String("Yes D1")))
		})

		Convey("cells are reachable by column id too", func() {
			v, err := eval("table1.0.col_status")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, "Yes D1")

			v, err = eval(`table1[0]["amount"]`)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, 5)
		})

		Convey("out of range positions are null", func() {
			for _, text := range []string{"table1.9.amount", "table1[-1]", "table1[1.5]", "chart1.5.points.0.y"} {
				v, err := eval(text)
				So(err, ShouldBeNil)
				So(v, ShouldEqualValue, Null())
			}
		})

		Convey("dropdowns read as their labels", func() {
			v, err := eval("dropdown1")
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, "Yes D1")
		})

		Convey("reading a member of a scalar is a type mismatch", func() {
			_, err := eval("number1.foo")
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})

		Convey("unknown fields fail with a span", func() {
			_, err := eval("1 + missing")
			So(err, ShouldBeErrorClass, UnknownFieldError)
			span, ok := SpanOf(err)
			So(ok, ShouldBeTrue)
			So(span.Start, ShouldEqual, 4)
		})
	})
}

func TestLambdas(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Given the inspection fixture", t, func() {
		cases := map[string]Value{
			"map([1, 2, 3], x -> x * 2)":                       List(Int(2), Int(4), Int(6)),
			"map([10, 20], (x, i) -> i)":                       List(Int(0), Int(1)),
			"filter(table1, row -> row.amount > 4).amount":     List(Int(5), Int(7)),
			"reduce([1, 2, 3], (acc, x) -> acc + x, 0)":        Int(6),
			"reduce([1, 2, 3], (acc, x) -> acc + x)":           Int(6),
			"reduce([1, 2], (acc, x, i) -> acc + i, 10)":       Int(11),
			"find(table1, row -> row.amount < 5).amount":       Int(3),
			"find([1, 2], x -> x > 5)":                         Null(),
			"every([2, 4], x -> mod(x, 2) == 0)":               Bool(true),
			"some([], x -> true)":                              Bool(false),
			"every([], x -> false)":                            Bool(true),
			"map(null, x -> x)":                                List(),
			"map([1, 2], number1 -> number1 + 1)":              List(Int(2), Int(3)),
			"map([1, 2], x -> x * number1)":                    List(Int(10), Int(20)),
			"map([1, 2], x -> map([10], y -> x + y))":          List(List(Int(11)), List(Int(12))),
			"flatMap([[1], [2, 3]], x -> x)":                   List(Int(1), Int(2), Int(3)),
			"flatMap([1, null, 2], x -> x)":                    List(Int(1), Int(2)),
			"countIf(table1, row -> row.status == \"Yes D1\")": Int(2),
			"countIf(table1.status, \"yes\")":                  Int(2),
			"countIf([1, 2, 1], 1)":                            Int(2),
			`countIf([5, 10], "5")`:                            Int(1),
			`countIf(["5", "15"], 5)`:                          Int(1),
			`countIf([true, "true"], true)`:                    Int(2),
			`countIf([null, 0], null)`:                         Int(1),
		}
		for text, want := range cases {
			Convey(text, func() {
				v, err := eval(text)
				So(err, ShouldBeNil)
				So(v, ShouldEqualValue, want)
			})
		}

		Convey("errors inside a lambda propagate", func() {
			_, err := eval("map([1, 0], x -> 1 / x)")
			So(err, ShouldBeErrorClass, DivideByZeroError)
		})

		Convey("a lambda needs a list to walk", func() {
			_, err := eval("map(number1, x -> x)")
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})

		Convey("lambda parameters are not visible outside", func() {
			_, err := eval("sum(map([1], x -> x)) + x")
			So(err, ShouldBeErrorClass, UnknownFieldError)
		})

		Convey("mapping preserves length", func() {
			for _, list := range []string{"[]", "[1]", "[1, 2, 3]", "table1", "chart1"} {
				mapped, err := eval("length(map(" + list + ", x -> 1))")
				So(err, ShouldBeNil)
				plain, err := eval("length(" + list + ")")
				So(err, ShouldBeNil)
				So(mapped, ShouldEqualValue, plain)
			}
		})
	})
}

func TestBudgetSteps(t *testing.T) {
	Convey("Every node evaluation and lambda application spends a step", t, func() {
		node, err := Parse("map([1, 2], x -> x)", nil)
		So(err, ShouldBeNil)

		budget := NewBudget(0)
		_, err = Evaluate(node, nil, nil, nil, budget)
		So(err, ShouldBeNil)
		// call, list, two elements, two applications, two bodies
		So(budget.Used(), ShouldEqual, 8)

		_, err = Evaluate(node, nil, nil, nil, NewBudget(7))
		So(err, ShouldBeErrorClass, BudgetExceededError)
	})
}
