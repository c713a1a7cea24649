package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser builds an AST from lexer tokens. when functions is set, calls are
// checked against it so unknown names and misplaced lambdas fail at parse
// time rather than on first evaluation.
type Parser struct {
	tokens    []Token
	pos       int
	functions *BuiltInFunctions
}

var binaryOpByText = func() map[string]BinaryOp {
	out := make(map[string]BinaryOp, len(binaryOpText))
	for op, text := range binaryOpText {
		out[text] = op
	}
	return out
}()

// NewParser creates a new parser over tokens ending in TokenEOF
func NewParser(tokens []Token, functions *BuiltInFunctions) *Parser {
	return &Parser{
		tokens:    tokens,
		functions: functions,
	}
}

// Parse lexes and parses formula text.
func Parse(text string, functions *BuiltInFunctions) (Node, error) {
	tokens, err := NewLexer(text).Tokenize()
	if err != nil {
		return nil, err
	}
	return NewParser(tokens, functions).Parse()
}

// Parse parses the tokens into an AST
func (p *Parser) Parse() (Node, error) {
	if len(p.tokens) == 0 || p.tokens[0].Type == TokenEOF {
		return nil, ParseError.NewWith("empty formula", WithSpan(Span{}))
	}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	switch tok.Type {
	case TokenEOF:
		return node, nil
	case TokenArrow:
		return nil, p.errorAt(tok, "a lambda is only allowed as a function argument")
	}
	return nil, p.errorAt(tok, "unexpected %s after expression: %s", tok.Type, tok.Value)
}

func (p *Parser) peek() Token {
	if p.pos >= len(p.tokens) {
		end := 0
		if len(p.tokens) > 0 {
			end = p.tokens[len(p.tokens)-1].End
		}
		return Token{Type: TokenEOF, Pos: end, End: end}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peekAt(offset int) Token {
	if p.pos+offset >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos+offset]
}

func (p *Parser) advance() Token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	tok := p.peek()
	if tok.Type != tt {
		if tok.Type == TokenEOF {
			return tok, p.errorAt(tok, "expected %s, got end of formula", what)
		}
		return tok, p.errorAt(tok, "expected %s, got %s", what, tok.Value)
	}
	return p.advance(), nil
}

func (p *Parser) errorAt(tok Token, format string, args ...interface{}) error {
	return ParseError.NewWith(fmt.Sprintf(format, args...), WithSpan(tok.span()))
}

// binaryLevel parses one left-associative precedence level
func (p *Parser) binaryLevel(next func() (Node, error), ops ...BinaryOp) (Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.Type != TokenBinaryOp {
			return left, nil
		}
		op, known := binaryOpByText[tok.Value]
		if !known || !containsOp(ops, op) {
			return left, nil
		}
		p.advance()

		right, err := next()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: Span{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}
}

func containsOp(ops []BinaryOp, op BinaryOp) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// parseOr handles || (lowest precedence)
func (p *Parser) parseOr() (Node, error) {
	return p.binaryLevel(p.parseAnd, BinOpOr)
}

func (p *Parser) parseAnd() (Node, error) {
	return p.binaryLevel(p.parseEquality, BinOpAnd)
}

func (p *Parser) parseEquality() (Node, error) {
	return p.binaryLevel(p.parseComparison, BinOpEqual, BinOpNotEqual)
}

func (p *Parser) parseComparison() (Node, error) {
	return p.binaryLevel(p.parseAdditive, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual)
}

func (p *Parser) parseAdditive() (Node, error) {
	return p.binaryLevel(p.parseMultiplicative, BinOpAdd, BinOpSubtract)
}

func (p *Parser) parseMultiplicative() (Node, error) {
	return p.binaryLevel(p.parseUnary, BinOpMultiply, BinOpDivide)
}

// parseUnary handles prefix + - !
func (p *Parser) parseUnary() (Node, error) {
	tok := p.peek()
	if tok.Type != TokenUnaryPrefixOp {
		return p.parsePostfix()
	}

	var op UnaryOp
	switch tok.Value {
	case "+":
		op = UnaryOpPlus
	case "-":
		op = UnaryOpMinus
	case "!":
		op = UnaryOpNot
	default:
		return nil, p.errorAt(tok, "unknown unary operator: %s", tok.Value)
	}
	p.advance()

	operand, err := p.parseUnary() // chained unary operators
	if err != nil {
		return nil, err
	}

	return &UnaryOpNode{
		Op:       op,
		Operand:  operand,
		Position: Span{Start: tok.Pos, End: operand.GetPosition().End},
	}, nil
}

// parsePostfix handles path access: .name, .0 and [expr]
func (p *Parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().Type {
		case TokenDot:
			p.advance()
			tok := p.advance()
			switch tok.Type {
			case TokenIdentifier:
				node = &MemberNode{
					Target:   node,
					Name:     tok.Value,
					Position: Span{Start: node.GetPosition().Start, End: tok.End},
				}
			case TokenNumber:
				index, err := strconv.Atoi(tok.Value)
				if err != nil {
					return nil, p.errorAt(tok, "invalid index: %s", tok.Value)
				}
				node = &IndexNode{
					Target:   node,
					Index:    &NumberNode{Value: float64(index), Position: tok.span()},
					Dotted:   true,
					Position: Span{Start: node.GetPosition().Start, End: tok.End},
				}
			default:
				return nil, p.errorAt(tok, "expected a name or index after '.'")
			}

		case TokenLeftBracket:
			p.advance()
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			closer, err := p.expect(TokenRightBracket, "']'")
			if err != nil {
				return nil, err
			}
			node = &IndexNode{
				Target:   node,
				Index:    index,
				Position: Span{Start: node.GetPosition().Start, End: closer.End},
			}

		default:
			return node, nil
		}
	}
}

// parsePrimary handles literals, references, calls, groups and list
// literals
func (p *Parser) parsePrimary() (Node, error) {
	tok := p.peek()

	switch tok.Type {
	case TokenNumber:
		p.advance()
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid number: %s", tok.Value)
		}
		return &NumberNode{Value: val, Position: tok.span()}, nil

	case TokenString:
		p.advance()
		return &StringNode{Value: tok.Value, Position: tok.span()}, nil

	case TokenBoolean:
		p.advance()
		return &BooleanNode{Value: tok.Value == "true", Position: tok.span()}, nil

	case TokenNull:
		p.advance()
		return &NullNode{Position: tok.span()}, nil

	case TokenIdentifier:
		p.advance()
		return &ReferenceNode{Name: tok.Value, Position: tok.span()}, nil

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.advance()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRightParen, "closing parenthesis"); err != nil {
			return nil, err
		}
		if p.peek().Type == TokenArrow {
			return nil, p.errorAt(p.peek(), "a lambda is only allowed as a function argument")
		}
		return node, nil

	case TokenLeftBracket:
		return p.parseArray()

	case TokenArrow:
		return nil, p.errorAt(tok, "a lambda is only allowed as a function argument")

	case TokenEOF:
		return nil, p.errorAt(tok, "unexpected end of formula")
	}
	return nil, p.errorAt(tok, "unexpected %s: %s", tok.Type, tok.Value)
}

// parseArray parses a list literal [a, b, c]
func (p *Parser) parseArray() (Node, error) {
	open := p.advance()
	elements := []Node{}

	if p.peek().Type == TokenRightBracket {
		closer := p.advance()
		return &ArrayNode{Elements: elements, Position: Span{Start: open.Pos, End: closer.End}}, nil
	}

	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elements = append(elements, elem)

		tok := p.advance()
		switch tok.Type {
		case TokenRightBracket:
			return &ArrayNode{Elements: elements, Position: Span{Start: open.Pos, End: tok.End}}, nil
		case TokenComma:
			continue
		}
		return nil, p.errorAt(tok, "expected ',' or ']' in list")
	}
}

// parseFunctionCall parses a function call
func (p *Parser) parseFunctionCall() (Node, error) {
	nameTok := p.advance()
	if _, err := p.expect(TokenLeftParen, "'(' after function name"); err != nil {
		return nil, err
	}

	args := []Node{}
	if p.peek().Type != TokenRightParen {
		for {
			arg, err := p.parseArgument()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			if p.peek().Type == TokenComma {
				p.advance()
				continue
			}
			break
		}
	}

	closer, err := p.expect(TokenRightParen, "',' or ')' in function arguments")
	if err != nil {
		return nil, err
	}

	call := &FunctionCallNode{
		Name:     nameTok.Value,
		Args:     args,
		Position: Span{Start: nameTok.Pos, End: closer.End},
	}
	if err := p.checkCall(call, nameTok); err != nil {
		return nil, err
	}
	return call, nil
}

// checkCall validates the function name and lambda placement
func (p *Parser) checkCall(call *FunctionCallNode, nameTok Token) error {
	if p.functions == nil {
		return nil
	}

	fn, ok := p.functions.Lookup(call.Name)
	if !ok {
		return UnknownFunctionError.NewWith(
			fmt.Sprintf("unknown function: %s", call.Name),
			WithSpan(nameTok.span()))
	}

	for i, arg := range call.Args {
		lambda, isLambda := arg.(*LambdaNode)
		if !isLambda {
			continue
		}
		accepted, ok := fn.Lambdas[i]
		if !ok {
			return ParseError.NewWith(
				fmt.Sprintf("%s does not take a lambda as argument %d", fn.Name, i+1),
				WithSpan(lambda.Position))
		}
		if n := len(lambda.Params); n < accepted.Min || n > accepted.Max {
			return ParseError.NewWith(
				fmt.Sprintf("lambda passed to %s takes %s, got %d", fn.Name, accepted, n),
				WithSpan(lambda.Position))
		}
	}
	return nil
}

// parseArgument parses one call argument, which may be a lambda
func (p *Parser) parseArgument() (Node, error) {
	params, ok, err := p.lambdaParams()
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.parseOr()
	}

	start := p.peek().Pos
	for p.peek().Type != TokenArrow {
		p.advance()
	}
	p.advance() // arrow

	body, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	return &LambdaNode{
		Params:   params,
		Body:     body,
		Position: Span{Start: start, End: body.GetPosition().End},
	}, nil
}

// lambdaParams looks ahead for "x ->" or "(x, y) ->" without consuming
func (p *Parser) lambdaParams() ([]string, bool, error) {
	tok := p.peek()
	if tok.Type == TokenIdentifier && p.peekAt(1).Type == TokenArrow {
		return []string{tok.Value}, true, nil
	}
	if tok.Type != TokenLeftParen {
		return nil, false, nil
	}

	params := []string{}
	seen := map[string]struct{}{}
	i := 1
	if p.peekAt(i).Type != TokenRightParen {
		for {
			name := p.peekAt(i)
			if name.Type != TokenIdentifier {
				return nil, false, nil
			}
			params = append(params, name.Value)
			i++
			if p.peekAt(i).Type == TokenComma {
				i++
				continue
			}
			break
		}
	}
	if p.peekAt(i).Type != TokenRightParen || p.peekAt(i+1).Type != TokenArrow {
		return nil, false, nil
	}

	for _, name := range params {
		if _, dup := seen[name]; dup {
			return nil, false, p.errorAt(tok, "duplicate lambda parameter: %s", name)
		}
		seen[name] = struct{}{}
	}
	return params, true, nil
}

// ParseText parses text for the given builtins and returns its normalized
// form, or the parse error.
func ParseText(text string, functions *BuiltInFunctions) (string, error) {
	node, err := Parse(strings.TrimSpace(text), functions)
	if err != nil {
		return "", err
	}
	return node.ToString(), nil
}
