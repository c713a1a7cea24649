package formula

import (
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func checkCases(eval func(string) (Value, error), cases map[string]Value) {
	for text, want := range cases {
		Convey(text, func() {
			v, err := eval(text)
			So(err, ShouldBeNil)
			So(v, ShouldEqualValue, want)
		})
	}
}

func TestLogicalFunctions(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Logical functions", t, func() {
		checkCases(eval, map[string]Value{
			"if(true, 1, 1 / 0)": Int(1),
			"if(0, 1 / 0, 2)":    Int(2),
			"if(false, 1)":       Null(),
			"and(1, \"x\", [0])": Bool(true),
			"and(1, 0)":          Bool(false),
			"or(0, \"\", \"x\")": Bool(true),
			"or(0, null)":        Bool(false),
			"not(null)":          Bool(true),
			"empty(\"  \")":      Bool(true),
			"empty([])":          Bool(true),
			"empty(null)":        Bool(true),
			"empty(0)":           Bool(false),
			"empty(table1)":      Bool(false),
			"and(false, 1 / 0)":  Bool(false),
			"or(number1, 1 / 0)": Bool(true),
		})

		Convey("arity is checked at call time", func() {
			_, err := eval("not(1, 2)")
			So(err, ShouldBeErrorClass, ArityMismatchError)

			_, err = eval("if(1)")
			So(err, ShouldBeErrorClass, ArityMismatchError)
		})
	})
}

func TestTextFunctions(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Text functions", t, func() {
		checkCases(eval, map[string]Value{
			`concat("a", 1, true, null, [1, 2])`: String("a1true[1, 2]"),
			`concat()`:                           String(""),
			`concat("n=", 0.1 + 0.2 > 0.3)`:      String("n=true"),
			`contains("Hello", "ELL")`:           Bool(true),
			`contains([1, 2], 2)`:                Bool(true),
			`contains(table1.status, "No D1")`:   Bool(true),
			`contains(null, "x")`:                Bool(false),
			`upper("abc")`:                       String("ABC"),
			`lower("ÄBC")`:                       String("äbc"),
			`trim("  x ")`:                       String("x"),
			`length("héllo")`:                    Int(5),
			`length(null)`:                       Int(0),
			`length([1, [2, 3]])`:                Int(2),
			`toNumber("3.5")`:                    Number(3.5),
			`toNumber(true)`:                     Int(1),
			`tonumber(" 2 ")`:                    Int(2),
			`toString(1.5)`:                      String("1.5"),
			`toString(1e21)`:                     String("1e+21"),
			`join([1, 2])`:                       String("1, 2"),
			`join(["a", "b"], "-")`:              String("a-b"),
			`join(null)`:                         String(""),
			`equals([1, 2], [1, 2])`:             Bool(true),
			`equals(1, "1")`:                     Bool(false),
		})

		Convey("type errors", func() {
			_, err := eval("length(5)")
			So(err, ShouldBeErrorClass, TypeMismatchError)

			_, err = eval(`toNumber("x")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)

			_, err = eval(`join("a, b")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})
	})
}

func TestMathFunctions(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Math functions", t, func() {
		checkCases(eval, map[string]Value{
			`sum(1, [2, 3], null, "")`:  Int(6),
			`sum()`:                     Int(0),
			`sum(table1.amount)`:        Int(15),
			`avg(2, 4)`:                 Int(3),
			`average([1, 2, 3, 4])`:     Number(2.5),
			`min(3, 1, 2)`:              Int(1),
			`max(4, [7, 2])`:            Int(7),
			`count(1, null, [2, null])`: Int(2),
			`round(2.5)`:                Int(3),
			`round(-2.5)`:               Int(-3),
			`round(1.2345, 2)`:          Number(1.23),
			`ceil(1.2)`:                 Int(2),
			`floor(-1.2)`:               Int(-2),
			`abs(-3)`:                   Int(3),
			`mod(7, 3)`:                 Int(1),
			`mod(-1, 3)`:                Int(2),
			`mod(1, -3)`:                Int(-2),
			`pow(2, 10)`:                Int(1024),
			`sqrt(16)`:                  Int(4),
		})

		Convey("failures", func() {
			_, err := eval("avg([])")
			So(err, ShouldBeErrorClass, DivideByZeroError)

			_, err = eval("mod(1, 0)")
			So(err, ShouldBeErrorClass, DivideByZeroError)

			_, err = eval("sqrt(-1)")
			So(err, ShouldBeErrorClass, EvalError)

			_, err = eval(`sum("x")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)

			_, err = eval(`sum(1, [2, "x"])`)
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})

		Convey("a failed argument carries its span", func() {
			_, err := eval(`round("x")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)
			span, ok := SpanOf(err)
			So(ok, ShouldBeTrue)
			So(span, ShouldResemble, Span{Start: 6, End: 9})
		})
	})
}

func TestCollectionFunctions(t *testing.T) {
	eval := fixtureScope(t)

	Convey("Collection functions", t, func() {
		checkCases(eval, map[string]Value{
			"flat([[1, [2]], 3])":                   List(Int(1), List(Int(2)), Int(3)),
			"flat([[1, [2]], 3], 2)":                List(Int(1), Int(2), Int(3)),
			"flat([[1]], 0)":                        List(List(Int(1))),
			`unique([1, 1, "a", "a", 2])`:           List(Int(1), String("a"), Int(2)),
			"unique(table1.status)":                 List(String("Yes D1"), String("No D1")),
			"sort([3, 1, 2])":                       List(Int(1), Int(2), Int(3)),
			"sort([3, 1, 2], false)":                List(Int(3), Int(2), Int(1)),
			`sort([3, "b", 1, "a"])`:                List(Int(1), Int(3), String("a"), String("b")),
			"sort(table1.amount)":                   List(Int(3), Int(5), Int(7)),
			"sum(flatMap(chart1, l -> l.points.y))": Int(200),
		})

		Convey("a lambda is only accepted where the function takes one", func() {
			_, err := eval("unique(x -> x)")
			So(err, ShouldBeErrorClass, ParseError)
		})

		Convey("a non-lambda where one is required", func() {
			_, err := eval("map([1], 2)")
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})
	})
}

func TestDateFunctions(t *testing.T) {
	eval := fixtureScope(t)
	at := func(year int, month time.Month, day, hour, minute int) Value {
		return Millis(time.Date(year, month, day, hour, minute, 0, 0, time.UTC))
	}

	Convey("Date functions", t, func() {
		checkCases(eval, map[string]Value{
			"now()":                                                 Millis(inspectionTime),
			"year(date1)":                                           Int(2025),
			"month(date1)":                                          Int(6),
			"day(date1)":                                            Int(1),
			"year(null)":                                            Null(),
			`year("2024-02-29")`:                                    Int(2024),
			"date(2025, 6, 1)":                                      at(2025, time.June, 1, 0, 0),
			"date(2025, 13, 1)":                                     at(2026, time.January, 1, 0, 0),
			`timestamp("2025-06-01T17:00:00Z")`:                     at(2025, time.June, 1, 17, 0),
			`timestamp("2025-06-01 17:00:00")`:                      at(2025, time.June, 1, 17, 0),
			`dateAdd(date1, 5, "days")`:                             at(2025, time.June, 6, 17, 0),
			`dateAdd(date1, 1.5, "h")`:                              at(2025, time.June, 1, 18, 30),
			`dateAdd(date1, 1, "months")`:                           at(2025, time.July, 1, 17, 0),
			`dateAdd(date1, 2, "Years")`:                            at(2027, time.June, 1, 17, 0),
			`dateAdd("2024-02-29", 1, "y")`:                         at(2025, time.March, 1, 0, 0),
			`dateSubtract(date1, 2, "weeks")`:                       at(2025, time.May, 18, 17, 0),
			`dateSubtract(date1, 1, "month")`:                       at(2025, time.May, 1, 17, 0),
			`dateAdd(date1, -1, "d")`:                               at(2025, time.May, 31, 17, 0),
			`dateAdd(date1, 90, "min") > date1`:                     Bool(true),
			`dateAdd(date1, 60, "sec") == dateAdd(date1, 1, "min")`: Bool(true),
			`dateAdd(null, 1, "days")`:                              Null(),
			`dateSubtract(null, 2, "weeks")`:                        Null(),
		})

		Convey("unknown units and non-dates are type mismatches", func() {
			_, err := eval(`dateAdd(date1, 1, "fortnights")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)

			_, err = eval(`year("garbage")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)

			_, err = eval(`dateAdd(true, 1, "d")`)
			So(err, ShouldBeErrorClass, TypeMismatchError)
		})

		Convey("subtracting undoes adding exact units", func() {
			for unit := range exactUnits {
				for _, n := range []int{0, 1, 7, 365, -3} {
					text := fmt.Sprintf("dateSubtract(dateAdd(date1, %d, %q), %d, %q) == date1", n, unit, n, unit)
					v, err := eval(text)
					So(err, ShouldBeNil)
					So(v, ShouldEqualValue, true)
				}
			}
		})

		Convey("now is volatile and nothing else is", func() {
			functions := NewDefaultBuiltInFunctions()
			for _, name := range functions.Names() {
				So(functions.IsVolatile(name), ShouldEqual, name == "now")
			}
		})
	})
}
