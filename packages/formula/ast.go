package formula

import (
	"fmt"
	"math"
	"strings"
)

// Node is a parsed expression. nodes evaluate themselves against a scope,
// which lets dependency extraction and volatile detection walk the tree
// instead of the formula text.
type Node interface {
	Eval(s *Scope) (Value, error)
	GetPosition() Span
	ToString() string
}

// NumberNode represents a numeric literal
type NumberNode struct {
	Value    float64
	Position Span
}

func (n *NumberNode) Eval(s *Scope) (Value, error) { return Number(n.Value), nil }
func (n *NumberNode) GetPosition() Span             { return n.Position }
func (n *NumberNode) ToString() string              { return formatNumber(n.Value) }

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position Span
}

func (n *StringNode) Eval(s *Scope) (Value, error) { return String(n.Value), nil }
func (n *StringNode) GetPosition() Span             { return n.Position }

func (n *StringNode) ToString() string {
	return `"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`
}

// BooleanNode represents a boolean literal
type BooleanNode struct {
	Value    bool
	Position Span
}

func (n *BooleanNode) Eval(s *Scope) (Value, error) { return Bool(n.Value), nil }
func (n *BooleanNode) GetPosition() Span             { return n.Position }

func (n *BooleanNode) ToString() string {
	if n.Value {
		return "true"
	}
	return "false"
}

// NullNode represents the null literal
type NullNode struct {
	Position Span
}

func (n *NullNode) Eval(s *Scope) (Value, error) { return Null(), nil }
func (n *NullNode) GetPosition() Span             { return n.Position }
func (n *NullNode) ToString() string              { return "null" }

// ArrayNode represents a list literal
type ArrayNode struct {
	Elements []Node
	Position Span
}

func (n *ArrayNode) Eval(s *Scope) (Value, error) {
	out := make([]Value, len(n.Elements))
	for i, elem := range n.Elements {
		v, err := s.Eval(elem)
		if err != nil {
			return Null(), err
		}
		out[i] = v
	}
	return List(out...), nil
}

func (n *ArrayNode) GetPosition() Span { return n.Position }

func (n *ArrayNode) ToString() string {
	parts := make([]string, len(n.Elements))
	for i, elem := range n.Elements {
		parts[i] = elem.ToString()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ReferenceNode names a lambda parameter or a top-level field
type ReferenceNode struct {
	Name     string
	Position Span
}

func (n *ReferenceNode) Eval(s *Scope) (Value, error) {
	v, err := s.Resolve(n.Name)
	if err != nil {
		return Null(), spanned(err, n.Position)
	}
	return v, nil
}

func (n *ReferenceNode) GetPosition() Span { return n.Position }
func (n *ReferenceNode) ToString() string  { return n.Name }

// MemberNode is named access, target.name
type MemberNode struct {
	Target   Node
	Name     string
	Position Span
}

func (n *MemberNode) Eval(s *Scope) (Value, error) {
	target, err := s.Eval(n.Target)
	if err != nil {
		return Null(), err
	}
	v, err := member(target, n.Name)
	if err != nil {
		return Null(), spanned(err, n.Position)
	}
	return v, nil
}

func (n *MemberNode) GetPosition() Span { return n.Position }
func (n *MemberNode) ToString() string  { return n.Target.ToString() + "." + n.Name }

// member resolves target.name. on a list the access maps over elements,
// so table.amount yields every row's amount.
func member(target Value, name string) (Value, error) {
	switch target.Kind() {
	case KindNull:
		return Null(), nil
	case KindRecord:
		return target.Get(name), nil
	case KindList:
		items, _ := target.AsList()
		out := make([]Value, len(items))
		for i, item := range items {
			v, err := member(item, name)
			if err != nil {
				return Null(), err
			}
			out[i] = v
		}
		return List(out...), nil
	}
	return Null(), TypeMismatchError.New("cannot read %q of a %s", name, target.Kind())
}

// IndexNode is positional or computed access, target.0 or target[expr]
type IndexNode struct {
	Target   Node
	Index    Node
	Dotted   bool // written as target.N
	Position Span
}

func (n *IndexNode) Eval(s *Scope) (Value, error) {
	target, err := s.Eval(n.Target)
	if err != nil {
		return Null(), err
	}
	index, err := s.Eval(n.Index)
	if err != nil {
		return Null(), err
	}
	v, err := indexValue(target, index)
	if err != nil {
		return Null(), spanned(err, n.Position)
	}
	return v, nil
}

func (n *IndexNode) GetPosition() Span { return n.Position }

func (n *IndexNode) ToString() string {
	if n.Dotted {
		return n.Target.ToString() + "." + n.Index.ToString()
	}
	return n.Target.ToString() + "[" + n.Index.ToString() + "]"
}

// indexValue: out of range positions are null, never an error
func indexValue(target, index Value) (Value, error) {
	if target.IsNull() {
		return Null(), nil
	}
	if key, ok := index.AsString(); ok {
		return member(target, key)
	}
	pos, ok := index.AsNumber()
	if !ok {
		return Null(), TypeMismatchError.New("index must be a number or string, got %s", index.Kind())
	}
	switch target.Kind() {
	case KindList:
		if pos != math.Trunc(pos) {
			return Null(), nil
		}
		return target.Index(int(pos)), nil
	case KindRecord:
		return target.Get(formatNumber(pos)), nil
	}
	return Null(), TypeMismatchError.New("cannot index a %s", target.Kind())
}

// BinaryOpNode represents a binary operation
type BinaryOpNode struct {
	Op       BinaryOp
	Left     Node
	Right    Node
	Position Span
}

func (n *BinaryOpNode) Eval(s *Scope) (Value, error) {
	left, err := s.Eval(n.Left)
	if err != nil {
		return Null(), err
	}

	// short circuit before touching the right side
	switch n.Op {
	case BinOpAnd:
		if !Truthy(left) {
			return Bool(false), nil
		}
		right, err := s.Eval(n.Right)
		if err != nil {
			return Null(), err
		}
		return Bool(Truthy(right)), nil
	case BinOpOr:
		if Truthy(left) {
			return Bool(true), nil
		}
		right, err := s.Eval(n.Right)
		if err != nil {
			return Null(), err
		}
		return Bool(Truthy(right)), nil
	}

	right, err := s.Eval(n.Right)
	if err != nil {
		return Null(), err
	}

	v, err := applyBinary(n.Op, left, right)
	if err != nil {
		return Null(), spanned(err, n.Position)
	}
	return v, nil
}

func applyBinary(op BinaryOp, left, right Value) (Value, error) {
	switch op {
	case BinOpEqual:
		return Bool(Equal(left, right)), nil
	case BinOpNotEqual:
		return Bool(!Equal(left, right)), nil
	case BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return Null(), nil
		}
		switch op {
		case BinOpLess:
			return Bool(cmp < 0), nil
		case BinOpLessEqual:
			return Bool(cmp <= 0), nil
		case BinOpGreater:
			return Bool(cmp > 0), nil
		default:
			return Bool(cmp >= 0), nil
		}
	}

	leftNum, leftOk := toNumber(left)
	rightNum, rightOk := toNumber(right)
	if !leftOk || !rightOk {
		bad := left
		if leftOk {
			bad = right
		}
		return Null(), TypeMismatchError.New("operator %s requires numbers, got %s %q", op, bad.Kind(), Stringify(bad))
	}

	switch op {
	case BinOpAdd:
		return Number(leftNum + rightNum), nil
	case BinOpSubtract:
		return Number(leftNum - rightNum), nil
	case BinOpMultiply:
		return Number(leftNum * rightNum), nil
	case BinOpDivide:
		if rightNum == 0 {
			return Null(), DivideByZeroError.New("division by zero")
		}
		return Number(leftNum / rightNum), nil
	}
	return Null(), EvalError.New("unknown operator %d", op)
}

// compareOrdered compares two values that both coerce to numbers. null and
// non-numeric text are not ordered.
func compareOrdered(left, right Value) (int, bool) {
	if left.IsNull() || right.IsNull() {
		return 0, false
	}
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return 0, false
	}
	switch {
	case l < r:
		return -1, true
	case l > r:
		return 1, true
	}
	return 0, true
}

func (n *BinaryOpNode) GetPosition() Span { return n.Position }

func (n *BinaryOpNode) ToString() string {
	return fmt.Sprintf("(%s%s%s)", n.Left.ToString(), n.Op, n.Right.ToString())
}

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  Node
	Position Span
}

func (n *UnaryOpNode) Eval(s *Scope) (Value, error) {
	val, err := s.Eval(n.Operand)
	if err != nil {
		return Null(), err
	}

	if n.Op == UnaryOpNot {
		return Bool(!Truthy(val)), nil
	}

	num, ok := toNumber(val)
	if !ok {
		return Null(), TypeMismatchError.NewWith(
			fmt.Sprintf("unary %s requires a number, got %s", n.opText(), val.Kind()),
			WithSpan(n.Position))
	}
	if n.Op == UnaryOpMinus {
		return Number(-num), nil
	}
	return Number(num), nil
}

func (n *UnaryOpNode) opText() string {
	switch n.Op {
	case UnaryOpMinus:
		return "-"
	case UnaryOpNot:
		return "!"
	}
	return "+"
}

func (n *UnaryOpNode) GetPosition() Span { return n.Position }
func (n *UnaryOpNode) ToString() string  { return n.opText() + n.Operand.ToString() }

// FunctionCallNode represents a function call. arguments are handed to the
// builtin unevaluated so lazy functions and lambdas work.
type FunctionCallNode struct {
	Name     string
	Args     []Node
	Position Span
}

func (n *FunctionCallNode) Eval(s *Scope) (Value, error) {
	v, err := s.functions.Call(s, n)
	if err != nil {
		return Null(), spanned(err, n.Position)
	}
	return v, nil
}

func (n *FunctionCallNode) GetPosition() Span { return n.Position }

func (n *FunctionCallNode) ToString() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.ToString()
	}
	return fmt.Sprintf("%s(%s)", strings.ToLower(n.Name), strings.Join(args, ","))
}

// LambdaNode is an inline function. it only appears as a direct argument
// of a higher-order builtin.
type LambdaNode struct {
	Params   []string
	Body     Node
	Position Span
}

func (n *LambdaNode) Eval(s *Scope) (Value, error) {
	return Null(), TypeMismatchError.NewWith("a lambda is not a value", WithSpan(n.Position))
}

func (n *LambdaNode) GetPosition() Span { return n.Position }

func (n *LambdaNode) ToString() string {
	return fmt.Sprintf("(%s)->%s", strings.Join(n.Params, ","), n.Body.ToString())
}
