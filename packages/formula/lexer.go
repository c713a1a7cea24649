package formula

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenBoolean
	TokenNull
	TokenIdentifier
	TokenFunction
	TokenUnaryPrefixOp
	TokenBinaryOp
	TokenComma
	TokenDot
	TokenArrow
	TokenLeftParen
	TokenRightParen
	TokenLeftBracket
	TokenRightBracket
	TokenWhitespace
	TokenError
)

var tokenNames = map[TokenType]string{
	TokenEOF:           "end of formula",
	TokenNumber:        "number",
	TokenString:        "string",
	TokenBoolean:       "boolean",
	TokenNull:          "null",
	TokenIdentifier:    "identifier",
	TokenFunction:      "function",
	TokenUnaryPrefixOp: "unary operator",
	TokenBinaryOp:      "operator",
	TokenComma:         "','",
	TokenDot:           "'.'",
	TokenArrow:         "'->'",
	TokenLeftParen:     "'('",
	TokenRightParen:    "')'",
	TokenLeftBracket:   "'['",
	TokenRightBracket:  "']'",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// BinaryOp represents binary operators in AST nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
	BinOpAnd
	BinOpOr
)

var binaryOpText = map[BinaryOp]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpEqual:        "==",
	BinOpNotEqual:     "!=",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
	BinOpAnd:          "&&",
	BinOpOr:           "||",
}

func (op BinaryOp) String() string {
	return binaryOpText[op]
}

// UnaryOp represents unary operators in AST nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpNot
)

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charBackslash  = '\\'
	charAmpersand  = '&'
	charPipe       = '|'
	charLParen     = '('
	charRParen     = ')'
	charLBracket   = '['
	charRBracket   = ']'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charUnderscore = '_'
	charExclaim    = '!'
	charArrow      = '→'
)

// valueStart is every token that may begin an operand
var valueStart = map[TokenType]bool{
	TokenNumber:        true,
	TokenString:        true,
	TokenBoolean:       true,
	TokenNull:          true,
	TokenIdentifier:    true,
	TokenFunction:      true,
	TokenLeftParen:     true,
	TokenLeftBracket:   true,
	TokenUnaryPrefixOp: true,
}

// afterOperand is every token that may follow a complete operand
var afterOperand = map[TokenType]bool{
	TokenBinaryOp:     true,
	TokenRightParen:   true,
	TokenRightBracket: true,
	TokenComma:        true,
	TokenEOF:          true,
}

func withTokens(base map[TokenType]bool, extra ...TokenType) map[TokenType]bool {
	out := make(map[TokenType]bool, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for _, t := range extra {
		out[t] = true
	}
	return out
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:      valueStart,
	StateAfterValue: afterOperand, // literals take no postfix access
	StateAfterIdentifier: withTokens(afterOperand,
		TokenDot,         // member access
		TokenLeftBracket, // index access
		TokenArrow,       // single parameter lambda
	),
	StateAfterFunction: {
		TokenLeftParen: true,
	},
	StateAfterOperator:  valueStart,
	StateAfterLeftParen: withTokens(valueStart, TokenRightParen), // empty argument list
	StateAfterRightParen: withTokens(afterOperand,
		TokenDot,
		TokenLeftBracket,
		TokenArrow, // parenthesized lambda parameters
	),
	StateAfterComma: valueStart,
	StateAfterDot: {
		TokenIdentifier: true,
		TokenNumber:     true, // positional index
	},
	StateAfterLeftBracket:  withTokens(valueStart, TokenRightBracket), // empty list
	StateAfterRightBracket: withTokens(afterOperand, TokenDot, TokenLeftBracket),
	StateAfterArrow:        valueStart,
}

// Span is a half-open range of rune offsets into formula text
type Span struct {
	Start int
	End   int
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d", s.Start, s.End)
}

// Token represents a lexical token with position information
type Token struct {
	Type  TokenType
	Value string
	Pos   int // rune offset in input
	End   int
}

func (t Token) span() Span {
	return Span{Start: t.Pos, End: t.End}
}

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterValue
	StateAfterIdentifier
	StateAfterFunction
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterComma
	StateAfterDot
	StateAfterLeftBracket
	StateAfterRightBracket
	StateAfterArrow
)

// Lexer tokenizes formula expressions
type Lexer struct {
	input  string
	runes  []rune // UTF-8 aware representation
	pos    int
	state  TokenState
	groups []rune // open '(' and '[' awaiting their closer
	tokens []Token
}

// NewLexer creates a new lexer for the given formula input
func NewLexer(input string) *Lexer {
	return &Lexer{
		input:  input,
		runes:  []rune(input),
		state:  StateStart,
		tokens: []Token{},
	}
}

// Tokenize tokenizes the entire input. the returned error is a ParseError
// carrying the offending span.
func (l *Lexer) Tokenize() ([]Token, error) {
	for {
		tok := l.nextToken()
		if tok.Type == TokenError {
			return nil, ParseError.NewWith(tok.Value, WithSpan(tok.span()))
		}
		if tok.Type == TokenWhitespace {
			continue
		}
		if !l.validateTransition(tok.Type) {
			return nil, l.unexpected(tok)
		}
		l.tokens = append(l.tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
		l.updateState(tok.Type)
	}

	if len(l.groups) > 0 {
		open := l.groups[len(l.groups)-1]
		msg := "unbalanced parentheses: missing closing parenthesis"
		if open == charLBracket {
			msg = "unbalanced brackets: missing closing bracket"
		}
		return nil, ParseError.NewWith(msg, WithSpan(Span{Start: len(l.runes), End: len(l.runes)}))
	}

	return l.tokens, nil
}

func (l *Lexer) unexpected(tok Token) error {
	if tok.Type == TokenEOF {
		return ParseError.NewWith("unexpected end of formula", WithSpan(tok.span()))
	}
	return ParseError.NewWith(fmt.Sprintf("unexpected %s: %s", tok.Type, tok.Value), WithSpan(tok.span()))
}

// validateTransition checks if the token type is valid in current state
func (l *Lexer) validateTransition(tokenType TokenType) bool {
	validTokens, exists := tokenTransitions[l.state]
	if !exists {
		return false
	}
	return validTokens[tokenType]
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenNumber:
		if l.state == StateAfterDot {
			// a positional index behaves like a closed access
			l.state = StateAfterRightBracket
		} else {
			l.state = StateAfterValue
		}
	case TokenString, TokenBoolean, TokenNull:
		l.state = StateAfterValue
	case TokenIdentifier:
		l.state = StateAfterIdentifier
	case TokenFunction:
		l.state = StateAfterFunction
	case TokenUnaryPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenDot:
		l.state = StateAfterDot
	case TokenLeftBracket:
		l.state = StateAfterLeftBracket
	case TokenRightBracket:
		l.state = StateAfterRightBracket
	case TokenArrow:
		l.state = StateAfterArrow
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() Token {
	if l.isWhitespace(l.current()) {
		start := l.pos
		l.skipWhitespace()
		return Token{Type: TokenWhitespace, Pos: start, End: l.pos}
	}

	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos, End: l.pos}
	}

	startPos := l.pos
	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}

	if l.isDigit(ch) {
		if l.state == StateAfterDot {
			return l.scanIndex()
		}
		return l.scanNumber()
	}

	switch ch {
	case charLParen, charLBracket:
		l.pos++
		l.groups = append(l.groups, ch)
		if ch == charLParen {
			return Token{Type: TokenLeftParen, Value: "(", Pos: startPos, End: l.pos}
		}
		return Token{Type: TokenLeftBracket, Value: "[", Pos: startPos, End: l.pos}
	case charRParen, charRBracket:
		return l.scanCloser()
	case charComma:
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: startPos, End: l.pos}
	case charPeriod:
		l.pos++
		return Token{Type: TokenDot, Value: ".", Pos: startPos, End: l.pos}
	case charArrow:
		l.pos++
		return Token{Type: TokenArrow, Value: "->", Pos: startPos, End: l.pos}
	case charMinus:
		if l.peek(1) == charGreater {
			l.pos += 2
			return Token{Type: TokenArrow, Value: "->", Pos: startPos, End: l.pos}
		}
		return l.scanUnaryPrefixOrBinaryOp()
	case charPlus:
		return l.scanUnaryPrefixOrBinaryOp()
	case charAsterisk, charSlash, charLess, charGreater, charEqual, charAmpersand, charPipe:
		return l.scanBinaryOp()
	case charExclaim:
		if l.peek(1) == charEqual {
			return l.scanBinaryOp()
		}
		l.pos++
		return Token{Type: TokenUnaryPrefixOp, Value: "!", Pos: startPos, End: l.pos}
	}

	if l.isAlpha(ch) || ch == charUnderscore {
		return l.scanIdentifier()
	}

	l.pos++
	return Token{Type: TokenError, Value: "unexpected character: " + string(ch), Pos: startPos, End: l.pos}
}

// helper methods for character navigation and classification

// substring returns a substring of the original input based on rune positions
func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) isWhitespace(ch rune) bool {
	return ch == charSpace || ch == charTab || ch == charNewline || ch == charReturn
}

// nextSignificant returns the first non-whitespace rune at or after the
// current position without consuming anything
func (l *Lexer) nextSignificant() rune {
	for pos := l.pos; pos < len(l.runes); pos++ {
		if !l.isWhitespace(l.runes[pos]) {
			return l.runes[pos]
		}
	}
	return charNull
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) && l.isWhitespace(l.current()) {
		l.pos++
	}
}

func (l *Lexer) isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func (l *Lexer) isAlpha(ch rune) bool {
	return unicode.IsLetter(ch)
}

func (l *Lexer) isIdentifierPart(ch rune) bool {
	return l.isAlpha(ch) || l.isDigit(ch) || ch == charUnderscore
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	for l.isDigit(l.current()) {
		l.pos++
	}

	// decimal part only when a digit follows the period, otherwise the
	// period is member access and the lexer rejects it after a literal
	if l.current() == charPeriod && l.isDigit(l.peek(1)) {
		l.pos++
		for l.isDigit(l.current()) {
			l.pos++
		}
	}

	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++

		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}

		if !l.isDigit(l.current()) {
			l.pos = savedPos
		} else {
			for l.isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos, End: l.pos}
}

// scanIndex scans the integer after a dot in a path like chart.1.points
func (l *Lexer) scanIndex() Token {
	startPos := l.pos
	for l.isDigit(l.current()) {
		l.pos++
	}
	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos, End: l.pos}
}

// scanString scans a double-quoted string literal. a doubled quote and the
// usual backslash escapes are recognized.
func (l *Lexer) scanString() Token {
	startPos := l.pos
	l.pos++ // consume opening quote

	var result []rune
	for l.pos < len(l.runes) {
		ch := l.current()

		switch {
		case ch == charQuote && l.peek(1) == charQuote:
			result = append(result, charQuote)
			l.pos += 2
		case ch == charQuote:
			l.pos++
			return Token{Type: TokenString, Value: string(result), Pos: startPos, End: l.pos}
		case ch == charBackslash && l.pos+1 < len(l.runes):
			next := l.peek(1)
			switch next {
			case 'n':
				result = append(result, '\n')
			case 't':
				result = append(result, '\t')
			case 'r':
				result = append(result, '\r')
			default:
				result = append(result, next)
			}
			l.pos += 2
		default:
			result = append(result, ch)
			l.pos++
		}
	}

	return Token{Type: TokenError, Value: "unclosed string literal", Pos: startPos, End: l.pos}
}

// scanIdentifier scans identifiers, function names and keyword literals
func (l *Lexer) scanIdentifier() Token {
	startPos := l.pos

	for l.pos < len(l.runes) && l.isIdentifierPart(l.current()) {
		l.pos++
	}

	value := l.substring(startPos, l.pos)

	// keywords do not apply to member names, a path may say row.null
	if l.state != StateAfterDot {
		switch strings.ToLower(value) {
		case "true", "false":
			return Token{Type: TokenBoolean, Value: strings.ToLower(value), Pos: startPos, End: l.pos}
		case "null":
			return Token{Type: TokenNull, Value: "null", Pos: startPos, End: l.pos}
		}
	}

	if l.state != StateAfterDot && l.nextSignificant() == charLParen {
		return Token{Type: TokenFunction, Value: value, Pos: startPos, End: l.pos}
	}

	return Token{Type: TokenIdentifier, Value: value, Pos: startPos, End: l.pos}
}

// scanCloser scans ')' and ']' and checks they close the innermost group
func (l *Lexer) scanCloser() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	want := charLParen
	tokType, text := TokenRightParen, ")"
	if ch == charRBracket {
		want = charLBracket
		tokType, text = TokenRightBracket, "]"
	}

	if len(l.groups) == 0 {
		if ch == charRBracket {
			return Token{Type: TokenError, Value: "unbalanced brackets: unexpected closing bracket", Pos: startPos, End: l.pos}
		}
		return Token{Type: TokenError, Value: "unbalanced parentheses: unexpected closing parenthesis", Pos: startPos, End: l.pos}
	}
	if open := l.groups[len(l.groups)-1]; open != want {
		return Token{Type: TokenError, Value: fmt.Sprintf("mismatched %q closes %q", ch, open), Pos: startPos, End: l.pos}
	}
	l.groups = l.groups[:len(l.groups)-1]
	return Token{Type: tokType, Value: text, Pos: startPos, End: l.pos}
}

// scanUnaryPrefixOrBinaryOp scans + and - which can be either unary
// prefix or binary
func (l *Lexer) scanUnaryPrefixOrBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	if l.isUnaryContext() {
		return Token{Type: TokenUnaryPrefixOp, Value: string(ch), Pos: startPos, End: l.pos}
	}
	return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos, End: l.pos}
}

// scanBinaryOp scans binary operators
func (l *Lexer) scanBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	next := l.peek(1)

	two := func(value string) Token {
		l.pos += 2
		return Token{Type: TokenBinaryOp, Value: value, Pos: startPos, End: l.pos}
	}
	one := func(value string) Token {
		l.pos++
		return Token{Type: TokenBinaryOp, Value: value, Pos: startPos, End: l.pos}
	}

	switch ch {
	case charLess:
		if next == charEqual {
			return two("<=")
		}
		return one("<")
	case charGreater:
		if next == charEqual {
			return two(">=")
		}
		return one(">")
	case charEqual:
		if next == charEqual {
			return two("==")
		}
	case charExclaim:
		if next == charEqual {
			return two("!=")
		}
	case charAmpersand:
		if next == charAmpersand {
			return two("&&")
		}
	case charPipe:
		if next == charPipe {
			return two("||")
		}
	case charAsterisk:
		return one("*")
	case charSlash:
		return one("/")
	}

	l.pos++
	return Token{Type: TokenError, Value: fmt.Sprintf("unexpected '%c'", ch), Pos: startPos, End: l.pos}
}

// isUnaryContext checks if the current context allows for unary operators
func (l *Lexer) isUnaryContext() bool {
	// unary operators are allowed after:
	// - start of expression
	// - after another operator
	// - after an opening paren or bracket
	// - after comma
	// - after a lambda arrow
	switch l.state {
	case StateStart, StateAfterOperator, StateAfterLeftParen, StateAfterComma, StateAfterLeftBracket, StateAfterArrow:
		return true
	default:
		return false
	}
}
