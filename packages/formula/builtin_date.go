package formula

import (
	"math"
	"strings"
	"time"
)

// dates are numbers: milliseconds since the unix epoch, read in UTC

var exactUnits = map[string]int64{
	"milliseconds": 1,
	"millisecond":  1,
	"ms":           1,
	"seconds":      1000,
	"second":       1000,
	"sec":          1000,
	"s":            1000,
	"minutes":      60 * 1000,
	"minute":       60 * 1000,
	"min":          60 * 1000,
	"hours":        60 * 60 * 1000,
	"hour":         60 * 60 * 1000,
	"h":            60 * 60 * 1000,
	"days":         24 * 60 * 60 * 1000,
	"day":          24 * 60 * 60 * 1000,
	"d":            24 * 60 * 60 * 1000,
	"weeks":        7 * 24 * 60 * 60 * 1000,
	"week":         7 * 24 * 60 * 60 * 1000,
	"w":            7 * 24 * 60 * 60 * 1000,
}

var calendarUnits = map[string][2]int{
	"months": {0, 1},
	"month":  {0, 1},
	"m":      {0, 1},
	"years":  {1, 0},
	"year":   {1, 0},
	"y":      {1, 0},
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (bf *BuiltInFunctions) registerDate() {
	bf.Register(&Builtin{Name: "now", MinArgs: 0, MaxArgs: 0, Volatile: true, Fn: bf.NOW})
	bf.Register(&Builtin{Name: "year", MinArgs: 1, MaxArgs: 1, Fn: bf.datePart(func(t time.Time) int { return t.Year() })})
	bf.Register(&Builtin{Name: "month", MinArgs: 1, MaxArgs: 1, Fn: bf.datePart(func(t time.Time) int { return int(t.Month()) })})
	bf.Register(&Builtin{Name: "day", MinArgs: 1, MaxArgs: 1, Fn: bf.datePart(func(t time.Time) int { return t.Day() })})
	bf.Register(&Builtin{Name: "date", MinArgs: 3, MaxArgs: 3, Fn: bf.DATE})
	bf.Register(&Builtin{Name: "timestamp", MinArgs: 1, MaxArgs: 1, Fn: bf.TIMESTAMP})
	bf.Register(&Builtin{Name: "dateAdd", MinArgs: 3, MaxArgs: 3, Fn: bf.shiftDate(1)})
	bf.Register(&Builtin{Name: "dateSubtract", MinArgs: 3, MaxArgs: 3, Fn: bf.shiftDate(-1)})
}

// NOW returns the current instant in epoch milliseconds
func (bf *BuiltInFunctions) NOW(c *Call) (Value, error) {
	return Millis(c.clock.Now()), nil
}

// dateArg reads argument i as epoch milliseconds, accepting ISO text too
func dateArg(c *Call, i int) (int64, error) {
	v, err := c.Arg(i)
	if err != nil {
		return 0, err
	}
	ms, ok := toMillis(v)
	if !ok {
		return 0, c.mismatch(i, "a date", v)
	}
	return ms, nil
}

func toMillis(v Value) (int64, bool) {
	if s, ok := v.AsString(); ok {
		if t, ok := parseDate(s); ok {
			return t.UnixMilli(), true
		}
	}
	num, ok := toNumber(v)
	if !ok || math.IsNaN(num) || math.IsInf(num, 0) {
		return 0, false
	}
	return int64(num), true
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (bf *BuiltInFunctions) datePart(part func(time.Time) int) func(c *Call) (Value, error) {
	return func(c *Call) (Value, error) {
		v, err := c.Arg(0)
		if err != nil {
			return Null(), err
		}
		if v.IsNull() {
			return Null(), nil
		}
		ms, ok := toMillis(v)
		if !ok {
			return Null(), c.mismatch(0, "a date", v)
		}
		return Int(int64(part(time.UnixMilli(ms).UTC()))), nil
	}
}

// DATE builds midnight UTC of a calendar day. out of range months and days
// normalize the way time.Date does.
func (bf *BuiltInFunctions) DATE(c *Call) (Value, error) {
	var parts [3]int
	for i := range parts {
		n, err := c.Number(i)
		if err != nil {
			return Null(), err
		}
		parts[i] = int(n)
	}
	t := time.Date(parts[0], time.Month(parts[1]), parts[2], 0, 0, 0, 0, time.UTC)
	return Millis(t), nil
}

// TIMESTAMP normalizes a date given as number or ISO text
func (bf *BuiltInFunctions) TIMESTAMP(c *Call) (Value, error) {
	ms, err := dateArg(c, 0)
	if err != nil {
		return Null(), err
	}
	return Int(ms), nil
}

func (bf *BuiltInFunctions) shiftDate(sign int64) func(c *Call) (Value, error) {
	return func(c *Call) (Value, error) {
		date, err := c.Arg(0)
		if err != nil {
			return Null(), err
		}
		if date.IsNull() {
			return Null(), nil
		}
		ms, ok := toMillis(date)
		if !ok {
			return Null(), c.mismatch(0, "a date", date)
		}
		n, err := c.Number(1)
		if err != nil {
			return Null(), err
		}
		unit, err := c.Text(2)
		if err != nil {
			return Null(), err
		}
		unit = strings.ToLower(strings.TrimSpace(unit))

		if size, ok := exactUnits[unit]; ok {
			return Int(ms + sign*int64(math.Round(n*float64(size)))), nil
		}
		if ym, ok := calendarUnits[unit]; ok {
			count := int(sign) * int(math.Trunc(n))
			t := time.UnixMilli(ms).UTC().AddDate(ym[0]*count, ym[1]*count, 0)
			return Millis(t), nil
		}
		return Null(), TypeMismatchError.NewWith(
			"unknown date unit: "+unit,
			WithSpan(c.node.Args[2].GetPosition()))
	}
}
