package formula

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// FixedClock always reports the same instant
type FixedClock struct {
	T time.Time
}

func (f *FixedClock) Now() time.Time {
	return f.T
}

// ParamRange is the accepted parameter count of a lambda argument
type ParamRange struct {
	Min int
	Max int
}

func (r ParamRange) String() string {
	switch {
	case r.Min == r.Max && r.Min == 1:
		return "1 parameter"
	case r.Min == r.Max:
		return fmt.Sprintf("%d parameters", r.Min)
	}
	return fmt.Sprintf("%d to %d parameters", r.Min, r.Max)
}

// Builtin describes one callable function. arguments reach Fn unevaluated
// through a Call so lazy functions and lambdas need no special casing.
type Builtin struct {
	Name     string
	MinArgs  int
	MaxArgs  int                // negative means variadic
	Lambdas  map[int]ParamRange // argument positions that may be lambdas
	Volatile bool
	Fn       func(c *Call) (Value, error)
}

func (b *Builtin) arity() string {
	switch {
	case b.MaxArgs < 0:
		return fmt.Sprintf("at least %d", b.MinArgs)
	case b.MinArgs == b.MaxArgs:
		return fmt.Sprintf("%d", b.MinArgs)
	}
	return fmt.Sprintf("%d to %d", b.MinArgs, b.MaxArgs)
}

// BuiltInFunctions is the function registry. names are case-insensitive.
type BuiltInFunctions struct {
	clock  Clock
	byName map[string]*Builtin
}

// NewDefaultBuiltInFunctions creates a BuiltInFunctions with default
// implementations
func NewDefaultBuiltInFunctions() *BuiltInFunctions {
	return NewBuiltInFunctions(&WallClock{})
}

// NewBuiltInFunctions creates the full library reading time from clock
func NewBuiltInFunctions(clock Clock) *BuiltInFunctions {
	bf := &BuiltInFunctions{
		clock:  clock,
		byName: make(map[string]*Builtin),
	}
	bf.registerLogical()
	bf.registerText()
	bf.registerMath()
	bf.registerDate()
	bf.registerCollection()
	return bf
}

// Register adds or replaces a function
func (bf *BuiltInFunctions) Register(b *Builtin) {
	bf.byName[strings.ToLower(b.Name)] = b
}

// Lookup finds a function by case-insensitive name
func (bf *BuiltInFunctions) Lookup(name string) (*Builtin, bool) {
	b, ok := bf.byName[strings.ToLower(name)]
	return b, ok
}

// Names lists registered functions, sorted
func (bf *BuiltInFunctions) Names() []string {
	names := make([]string, 0, len(bf.byName))
	for _, b := range bf.byName {
		names = append(names, b.Name)
	}
	sort.Strings(names)
	return names
}

// IsVolatile reports whether a function must run on every pass
func (bf *BuiltInFunctions) IsVolatile(name string) bool {
	b, ok := bf.Lookup(name)
	return ok && b.Volatile
}

// Clock returns the time source of date functions
func (bf *BuiltInFunctions) Clock() Clock {
	return bf.clock
}

// Call invokes a built-in function for a call node
func (bf *BuiltInFunctions) Call(s *Scope, node *FunctionCallNode) (Value, error) {
	fn, ok := bf.Lookup(node.Name)
	if !ok {
		return Null(), UnknownFunctionError.New("unknown function: %s", node.Name)
	}
	n := len(node.Args)
	if n < fn.MinArgs || (fn.MaxArgs >= 0 && n > fn.MaxArgs) {
		return Null(), ArityMismatchError.New("%s expects %s arguments, got %d", fn.Name, fn.arity(), n)
	}
	return fn.Fn(&Call{scope: s, node: node, fn: fn, clock: bf.clock})
}

// Call is one invocation of a builtin. arguments are evaluated on demand.
type Call struct {
	scope *Scope
	node  *FunctionCallNode
	fn    *Builtin
	clock Clock
}

// Len returns the number of arguments
func (c *Call) Len() int {
	return len(c.node.Args)
}

// Arg evaluates argument i
func (c *Call) Arg(i int) (Value, error) {
	return c.scope.Eval(c.node.Args[i])
}

// Args evaluates every argument in order
func (c *Call) Args() ([]Value, error) {
	out := make([]Value, len(c.node.Args))
	for i := range c.node.Args {
		v, err := c.Arg(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Number evaluates argument i and coerces it to a number
func (c *Call) Number(i int) (float64, error) {
	v, err := c.Arg(i)
	if err != nil {
		return 0, err
	}
	num, ok := toNumber(v)
	if !ok {
		return 0, c.mismatch(i, "a number", v)
	}
	return num, nil
}

// Text evaluates argument i in its canonical text form
func (c *Call) Text(i int) (string, error) {
	v, err := c.Arg(i)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// List evaluates argument i as a list. null reads as empty.
func (c *Call) List(i int) ([]Value, error) {
	v, err := c.Arg(i)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	items, ok := v.AsList()
	if !ok {
		return nil, c.mismatch(i, "a list", v)
	}
	return items, nil
}

// Lambda returns argument i as a callable
func (c *Call) Lambda(i int) (*Lambda, error) {
	node, ok := c.node.Args[i].(*LambdaNode)
	if !ok {
		return nil, TypeMismatchError.NewWith(
			fmt.Sprintf("argument %d of %s must be a lambda", i+1, c.fn.Name),
			WithSpan(c.node.Args[i].GetPosition()))
	}
	return &Lambda{node: node, scope: c.scope}, nil
}

// IsLambda reports whether argument i was written as a lambda
func (c *Call) IsLambda(i int) bool {
	_, ok := c.node.Args[i].(*LambdaNode)
	return ok
}

func (c *Call) mismatch(i int, want string, got Value) error {
	return TypeMismatchError.NewWith(
		fmt.Sprintf("argument %d of %s must be %s, got %s", i+1, c.fn.Name, want, got.Kind()),
		WithSpan(c.node.Args[i].GetPosition()))
}

// logical

func (bf *BuiltInFunctions) registerLogical() {
	bf.Register(&Builtin{Name: "if", MinArgs: 2, MaxArgs: 3, Fn: bf.IF})
	bf.Register(&Builtin{Name: "and", MinArgs: 1, MaxArgs: -1, Fn: bf.AND})
	bf.Register(&Builtin{Name: "or", MinArgs: 1, MaxArgs: -1, Fn: bf.OR})
	bf.Register(&Builtin{Name: "not", MinArgs: 1, MaxArgs: 1, Fn: bf.NOT})
	bf.Register(&Builtin{Name: "empty", MinArgs: 1, MaxArgs: 1, Fn: bf.EMPTY})
}

// IF only evaluates the taken branch
func (bf *BuiltInFunctions) IF(c *Call) (Value, error) {
	cond, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	if Truthy(cond) {
		return c.Arg(1)
	}
	if c.Len() > 2 {
		return c.Arg(2)
	}
	return Null(), nil
}

func (bf *BuiltInFunctions) AND(c *Call) (Value, error) {
	for i := 0; i < c.Len(); i++ {
		v, err := c.Arg(i)
		if err != nil {
			return Null(), err
		}
		if !Truthy(v) {
			return Bool(false), nil
		}
	}
	return Bool(true), nil
}

func (bf *BuiltInFunctions) OR(c *Call) (Value, error) {
	for i := 0; i < c.Len(); i++ {
		v, err := c.Arg(i)
		if err != nil {
			return Null(), err
		}
		if Truthy(v) {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}

func (bf *BuiltInFunctions) NOT(c *Call) (Value, error) {
	v, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	return Bool(!Truthy(v)), nil
}

func (bf *BuiltInFunctions) EMPTY(c *Call) (Value, error) {
	v, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	switch v.Kind() {
	case KindNull:
		return Bool(true), nil
	case KindString:
		s, _ := v.AsString()
		return Bool(strings.TrimSpace(s) == ""), nil
	case KindList, KindRecord:
		return Bool(v.Len() == 0), nil
	}
	return Bool(false), nil
}

// text

func (bf *BuiltInFunctions) registerText() {
	bf.Register(&Builtin{Name: "concat", MinArgs: 0, MaxArgs: -1, Fn: bf.CONCAT})
	bf.Register(&Builtin{Name: "contains", MinArgs: 2, MaxArgs: 2, Fn: bf.CONTAINS})
	bf.Register(&Builtin{Name: "upper", MinArgs: 1, MaxArgs: 1, Fn: bf.UPPER})
	bf.Register(&Builtin{Name: "lower", MinArgs: 1, MaxArgs: 1, Fn: bf.LOWER})
	bf.Register(&Builtin{Name: "trim", MinArgs: 1, MaxArgs: 1, Fn: bf.TRIM})
	bf.Register(&Builtin{Name: "length", MinArgs: 1, MaxArgs: 1, Fn: bf.LENGTH})
	bf.Register(&Builtin{Name: "toNumber", MinArgs: 1, MaxArgs: 1, Fn: bf.TONUMBER})
	bf.Register(&Builtin{Name: "toString", MinArgs: 1, MaxArgs: 1, Fn: bf.TOSTRING})
	bf.Register(&Builtin{Name: "join", MinArgs: 1, MaxArgs: 2, Fn: bf.JOIN})
	bf.Register(&Builtin{Name: "equals", MinArgs: 2, MaxArgs: 2, Fn: bf.EQUALS})
}

// CONCAT joins the canonical text of every argument. lists render as
// [a, b].
func (bf *BuiltInFunctions) CONCAT(c *Call) (Value, error) {
	var sb strings.Builder
	for i := 0; i < c.Len(); i++ {
		s, err := c.Text(i)
		if err != nil {
			return Null(), err
		}
		sb.WriteString(s)
	}
	return String(sb.String()), nil
}

// CONTAINS is a case-insensitive substring test on text and a membership
// test on lists
func (bf *BuiltInFunctions) CONTAINS(c *Call) (Value, error) {
	haystack, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	needle, err := c.Arg(1)
	if err != nil {
		return Null(), err
	}

	if items, ok := haystack.AsList(); ok {
		for _, item := range items {
			if Equal(item, needle) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	if haystack.IsNull() {
		return Bool(false), nil
	}
	return Bool(strings.Contains(
		strings.ToLower(Stringify(haystack)),
		strings.ToLower(Stringify(needle)))), nil
}

func (bf *BuiltInFunctions) UPPER(c *Call) (Value, error) {
	s, err := c.Text(0)
	if err != nil {
		return Null(), err
	}
	return String(strings.ToUpper(s)), nil
}

func (bf *BuiltInFunctions) LOWER(c *Call) (Value, error) {
	s, err := c.Text(0)
	if err != nil {
		return Null(), err
	}
	return String(strings.ToLower(s)), nil
}

func (bf *BuiltInFunctions) TRIM(c *Call) (Value, error) {
	s, err := c.Text(0)
	if err != nil {
		return Null(), err
	}
	return String(strings.TrimSpace(s)), nil
}

// LENGTH counts characters of text and elements of lists
func (bf *BuiltInFunctions) LENGTH(c *Call) (Value, error) {
	v, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	switch v.Kind() {
	case KindNull:
		return Int(0), nil
	case KindString:
		s, _ := v.AsString()
		return Int(int64(len([]rune(s)))), nil
	case KindList, KindRecord:
		return Int(int64(v.Len())), nil
	}
	return Null(), c.mismatch(0, "text or a list", v)
}

func (bf *BuiltInFunctions) TONUMBER(c *Call) (Value, error) {
	v, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	if b, ok := v.AsBool(); ok {
		if b {
			return Int(1), nil
		}
		return Int(0), nil
	}
	num, ok := toNumber(v)
	if !ok {
		return Null(), c.mismatch(0, "numeric", v)
	}
	return Number(num), nil
}

func (bf *BuiltInFunctions) TOSTRING(c *Call) (Value, error) {
	s, err := c.Text(0)
	if err != nil {
		return Null(), err
	}
	return String(s), nil
}

// JOIN renders list elements separated by sep, ", " by default
func (bf *BuiltInFunctions) JOIN(c *Call) (Value, error) {
	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	sep := ", "
	if c.Len() > 1 {
		if sep, err = c.Text(1); err != nil {
			return Null(), err
		}
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = Stringify(item)
	}
	return String(strings.Join(parts, sep)), nil
}

func (bf *BuiltInFunctions) EQUALS(c *Call) (Value, error) {
	a, err := c.Arg(0)
	if err != nil {
		return Null(), err
	}
	b, err := c.Arg(1)
	if err != nil {
		return Null(), err
	}
	return Bool(Equal(a, b)), nil
}

// math

func (bf *BuiltInFunctions) registerMath() {
	bf.Register(&Builtin{Name: "sum", MinArgs: 0, MaxArgs: -1, Fn: bf.SUM})
	bf.Register(&Builtin{Name: "avg", MinArgs: 1, MaxArgs: -1, Fn: bf.AVERAGE})
	bf.Register(&Builtin{Name: "average", MinArgs: 1, MaxArgs: -1, Fn: bf.AVERAGE})
	bf.Register(&Builtin{Name: "min", MinArgs: 1, MaxArgs: -1, Fn: bf.MIN})
	bf.Register(&Builtin{Name: "max", MinArgs: 1, MaxArgs: -1, Fn: bf.MAX})
	bf.Register(&Builtin{Name: "count", MinArgs: 0, MaxArgs: -1, Fn: bf.COUNT})
	bf.Register(&Builtin{Name: "round", MinArgs: 1, MaxArgs: 2, Fn: bf.ROUND})
	bf.Register(&Builtin{Name: "ceil", MinArgs: 1, MaxArgs: 1, Fn: bf.unary(math.Ceil)})
	bf.Register(&Builtin{Name: "floor", MinArgs: 1, MaxArgs: 1, Fn: bf.unary(math.Floor)})
	bf.Register(&Builtin{Name: "abs", MinArgs: 1, MaxArgs: 1, Fn: bf.unary(math.Abs)})
	bf.Register(&Builtin{Name: "mod", MinArgs: 2, MaxArgs: 2, Fn: bf.MOD})
	bf.Register(&Builtin{Name: "pow", MinArgs: 2, MaxArgs: 2, Fn: bf.POW})
	bf.Register(&Builtin{Name: "sqrt", MinArgs: 1, MaxArgs: 1, Fn: bf.SQRT})
}

// numbers evaluates every argument, flattening lists one level. null and
// blank text are skipped.
func (bf *BuiltInFunctions) numbers(c *Call) ([]float64, error) {
	var out []float64
	add := func(i int, v Value) error {
		if v.IsNull() {
			return nil
		}
		if s, ok := v.AsString(); ok && strings.TrimSpace(s) == "" {
			return nil
		}
		num, ok := toNumber(v)
		if !ok {
			return c.mismatch(i, "numeric", v)
		}
		out = append(out, num)
		return nil
	}

	for i := 0; i < c.Len(); i++ {
		v, err := c.Arg(i)
		if err != nil {
			return nil, err
		}
		if items, ok := v.AsList(); ok {
			for _, item := range items {
				if err := add(i, item); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(i, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (bf *BuiltInFunctions) SUM(c *Call) (Value, error) {
	nums, err := bf.numbers(c)
	if err != nil {
		return Null(), err
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return Number(sum), nil
}

func (bf *BuiltInFunctions) AVERAGE(c *Call) (Value, error) {
	nums, err := bf.numbers(c)
	if err != nil {
		return Null(), err
	}
	if len(nums) == 0 {
		return Null(), DivideByZeroError.New("%s of no values", c.fn.Name)
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return Number(sum / float64(len(nums))), nil
}

func (bf *BuiltInFunctions) MIN(c *Call) (Value, error) {
	nums, err := bf.numbers(c)
	if err != nil {
		return Null(), err
	}
	if len(nums) == 0 {
		return Int(0), nil
	}
	min := nums[0]
	for _, n := range nums[1:] {
		min = math.Min(min, n)
	}
	return Number(min), nil
}

func (bf *BuiltInFunctions) MAX(c *Call) (Value, error) {
	nums, err := bf.numbers(c)
	if err != nil {
		return Null(), err
	}
	if len(nums) == 0 {
		return Int(0), nil
	}
	max := nums[0]
	for _, n := range nums[1:] {
		max = math.Max(max, n)
	}
	return Number(max), nil
}

// COUNT counts non-null values, flattening lists one level
func (bf *BuiltInFunctions) COUNT(c *Call) (Value, error) {
	count := 0
	for i := 0; i < c.Len(); i++ {
		v, err := c.Arg(i)
		if err != nil {
			return Null(), err
		}
		if items, ok := v.AsList(); ok {
			for _, item := range items {
				if !item.IsNull() {
					count++
				}
			}
			continue
		}
		if !v.IsNull() {
			count++
		}
	}
	return Int(int64(count)), nil
}

func (bf *BuiltInFunctions) ROUND(c *Call) (Value, error) {
	x, err := c.Number(0)
	if err != nil {
		return Null(), err
	}
	digits := 0.0
	if c.Len() > 1 {
		if digits, err = c.Number(1); err != nil {
			return Null(), err
		}
	}
	scale := math.Pow(10, math.Trunc(digits))
	return Number(math.Round(x*scale) / scale), nil
}

func (bf *BuiltInFunctions) unary(f func(float64) float64) func(c *Call) (Value, error) {
	return func(c *Call) (Value, error) {
		x, err := c.Number(0)
		if err != nil {
			return Null(), err
		}
		return Number(f(x)), nil
	}
}

// MOD takes the sign of the divisor
func (bf *BuiltInFunctions) MOD(c *Call) (Value, error) {
	a, err := c.Number(0)
	if err != nil {
		return Null(), err
	}
	b, err := c.Number(1)
	if err != nil {
		return Null(), err
	}
	if b == 0 {
		return Null(), DivideByZeroError.New("mod by zero")
	}
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return Number(r), nil
}

func (bf *BuiltInFunctions) POW(c *Call) (Value, error) {
	a, err := c.Number(0)
	if err != nil {
		return Null(), err
	}
	b, err := c.Number(1)
	if err != nil {
		return Null(), err
	}
	return Number(math.Pow(a, b)), nil
}

func (bf *BuiltInFunctions) SQRT(c *Call) (Value, error) {
	x, err := c.Number(0)
	if err != nil {
		return Null(), err
	}
	if x < 0 {
		return Null(), EvalError.New("sqrt of negative number %s", formatNumber(x))
	}
	return Number(math.Sqrt(x)), nil
}
