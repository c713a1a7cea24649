package main

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/vogtb/go-docformula/packages/formula"
)

// repl lines starting with ':' are commands, everything else is an
// expression. expression arguments keep their source text so the formula
// parser sees them exactly as typed.
var commandLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Colon", Pattern: `:`},
	{Name: "String", Pattern: `"(?:[^"\\]|""|\\.)*"`},
	{Name: "Ident", Pattern: `[\p{L}_][\p{L}\p{N}_]*|\d+[\p{L}_][\p{L}\p{N}_]*`},
	{Name: "Number", Pattern: `\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`},
	{Name: "Punct", Pattern: `->|→|==|!=|<=|>=|&&|\|\||[-+*/!<>=(),.\[\]]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var commandParser = participle.MustBuild[replCommand](
	participle.Lexer(commandLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

type replCommand struct {
	Set     *setCommand     `":" ( "set" @@`
	Insert  *insertCommand  `    | "insert" @@`
	Delete  *deleteCommand  `    | "delete" @@`
	Move    *moveCommand    `    | "move" @@`
	Formula *formulaCommand `    | "formula" @@`
	State   *stateCommand   `    | "state" @@`
	Fields  bool            `    | @"fields"`
	Help    bool            `    | @"help"`
	Quit    bool            `    | @( "quit" | "q" ) )`
}

type setCommand struct {
	Field string      `@Ident`
	Value *expression `@@`
}

// expression is a run of formula tokens. Tokens is filled in by the parser
// with every raw token matched, whitespace included.
type expression struct {
	Tokens []lexer.Token
	Parts  []string `@( String | Number | Ident | Punct )+`
}

// Text returns the expression as it was written
func (e *expression) Text() string {
	var b strings.Builder
	for _, tok := range e.Tokens {
		b.WriteString(tok.Value)
	}
	return strings.TrimSpace(b.String())
}

type insertCommand struct {
	Table string        `@Ident`
	Index *int          `( "at" @Number )?`
	Cells []*cellAssign `( @@ ( "," @@ )* )?`
}

type cellAssign struct {
	Column string `@Ident "="`
	Value  string `@( "-"? Number | String | Ident )`
}

type deleteCommand struct {
	Table string `@Ident`
	Row   string `@( Ident | Number | String )`
}

type moveCommand struct {
	Table string `@Ident`
	From  int    `@Number`
	To    int    `"to"? @Number`
}

type formulaCommand struct {
	Field string      `@Ident`
	Text  *expression `@@`
}

type stateCommand struct {
	Field string `@Ident`
}

// isCommand reports whether a repl line is a ':' command
func isCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ":")
}

func parseCommand(line string) (*replCommand, error) {
	return commandParser.ParseString("", strings.TrimSpace(line))
}

// parseLiteral evaluates argument text without any document in scope, so
// only literals and builtin calls over them are accepted
func parseLiteral(text string, functions *formula.BuiltInFunctions) (formula.Value, error) {
	node, err := formula.Parse(text, functions)
	if err != nil {
		return formula.Null(), err
	}
	return formula.Evaluate(node, nil, nil, functions, nil)
}

// rowID strips quotes from a quoted row id
func rowID(token string) string {
	if len(token) >= 2 && strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) {
		return token[1 : len(token)-1]
	}
	return token
}
