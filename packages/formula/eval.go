package formula

// DefaultMaxSteps bounds one formula evaluation
const DefaultMaxSteps = 1_000_000

// FieldSource resolves top-level field names. *FieldIndex implements it.
type FieldSource interface {
	GetFieldByName(name string) (*Field, bool)
}

// Budget counts evaluation steps: every node evaluation and every lambda
// application spends one.
type Budget struct {
	max  int
	used int
}

// NewBudget creates a budget of max steps. max <= 0 selects the default.
func NewBudget(max int) *Budget {
	if max <= 0 {
		max = DefaultMaxSteps
	}
	return &Budget{max: max}
}

// Spend takes one step
func (b *Budget) Spend() error {
	b.used++
	if b.used > b.max {
		return BudgetExceededError.New("evaluation exceeded %d steps", b.max)
	}
	return nil
}

// Used returns the steps taken so far
func (b *Budget) Used() int {
	return b.used
}

// environment shared by a root scope and all of its children
type evalEnv struct {
	fields  FieldSource
	schema  *Schema
	budget  *Budget
	exposed map[string]Value
}

// Scope is an evaluation context: the document fields and their schema,
// the builtin registry, the step budget and the lambda bindings in effect.
// child scopes never mutate their parent.
type Scope struct {
	env       *evalEnv
	functions *BuiltInFunctions
	bindings  map[string]Value
	parent    *Scope
}

// NewScope creates a root scope. exposed field values are cached for the
// scope's lifetime, so one scope should serve one evaluation.
func NewScope(fields FieldSource, schema *Schema, functions *BuiltInFunctions, budget *Budget) *Scope {
	if functions == nil {
		functions = NewDefaultBuiltInFunctions()
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	return &Scope{
		env: &evalEnv{
			fields:  fields,
			schema:  schema,
			budget:  budget,
			exposed: make(map[string]Value),
		},
		functions: functions,
	}
}

// NewDocumentScope creates a root scope over every field of doc
func NewDocumentScope(doc *Document, functions *BuiltInFunctions, budget *Budget) *Scope {
	table := NewFieldIndex()
	for _, f := range doc.Fields {
		table.DefineField(f)
	}
	return NewScope(table, NewSchema(doc), functions, budget)
}

// With returns a child scope binding names to values. missing values bind
// null, extra values are ignored.
func (s *Scope) With(names []string, values []Value) *Scope {
	bindings := make(map[string]Value, len(names))
	for i, name := range names {
		if i < len(values) {
			bindings[name] = values[i]
		} else {
			bindings[name] = Null()
		}
	}
	return &Scope{
		env:       s.env,
		functions: s.functions,
		bindings:  bindings,
		parent:    s,
	}
}

// Functions returns the builtin registry
func (s *Scope) Functions() *BuiltInFunctions {
	return s.functions
}

// Budget returns the step budget shared by the scope chain
func (s *Scope) Budget() *Budget {
	return s.env.budget
}

// Eval spends a step and evaluates node
func (s *Scope) Eval(node Node) (Value, error) {
	if err := s.env.budget.Spend(); err != nil {
		return Null(), spanned(err, node.GetPosition())
	}
	return node.Eval(s)
}

// Resolve looks name up in the innermost binding first, then among the
// document fields.
func (s *Scope) Resolve(name string) (Value, error) {
	for scope := s; scope != nil; scope = scope.parent {
		if v, ok := scope.bindings[name]; ok {
			return v, nil
		}
	}

	if v, ok := s.env.exposed[name]; ok {
		return v, nil
	}
	if s.env.fields == nil {
		return Null(), UnknownFieldError.New("unknown field: %s", name)
	}
	f, ok := s.env.fields.GetFieldByName(name)
	if !ok {
		return Null(), UnknownFieldError.New("unknown field: %s", name)
	}
	fs, _ := s.env.schema.Field(f.Key())
	v := Expose(f, fs)
	s.env.exposed[name] = v
	return v, nil
}

// Lambda is a lambda argument captured with its defining scope
type Lambda struct {
	node  *LambdaNode
	scope *Scope
}

// Params returns the parameter names
func (l *Lambda) Params() []string {
	return l.node.Params
}

// Apply binds args to the parameters and evaluates the body
func (l *Lambda) Apply(args ...Value) (Value, error) {
	if err := l.scope.env.budget.Spend(); err != nil {
		return Null(), spanned(err, l.node.Position)
	}
	return l.scope.With(l.node.Params, args).Eval(l.node.Body)
}

// Evaluate runs node in a fresh root scope
func Evaluate(node Node, fields FieldSource, schema *Schema, functions *BuiltInFunctions, budget *Budget) (Value, error) {
	return NewScope(fields, schema, functions, budget).Eval(node)
}

// Expose converts a field into the value formulas see: option ids become
// labels, table rows become records keyed by column and chart lines become
// records of their attributes.
func Expose(f *Field, fs *FieldSchema) Value {
	switch f.Kind {
	case FieldDropdown, FieldMultiSelect:
		if fs == nil {
			return f.Value
		}
		return fs.Options.Display(f.Value)

	case FieldTable:
		if f.Table == nil && !f.Value.IsNull() {
			return f.Value
		}
		rows := []Value{}
		for row := range f.Rows() {
			rows = append(rows, exposeRow(row, f.Columns, fs))
		}
		return List(rows...)

	case FieldChart:
		if f.Chart == nil && !f.Value.IsNull() {
			return f.Value
		}
		lines := make([]Value, len(f.Chart))
		for i, line := range f.Chart {
			lines[i] = exposeLine(line)
		}
		return List(lines...)
	}
	return f.Value
}

// exposeRow keys cells by column identifier and, when it differs, by
// column id too
func exposeRow(row Row, columns []Column, fs *FieldSchema) Value {
	rec := make(map[string]Value, len(columns)+1)
	for _, col := range columns {
		v := row.Cells[col.ID]
		if col.Kind == FieldDropdown || col.Kind == FieldMultiSelect {
			if cs, ok := fs.Column(col.ID); ok {
				v = cs.Options.Display(v)
			}
		}
		rec[col.Key()] = v
		if col.Key() != col.ID {
			rec[col.ID] = v
		}
	}
	// cells of columns the schema does not declare are still reachable
	for id, v := range row.Cells {
		if _, ok := rec[id]; !ok {
			rec[id] = v
		}
	}
	return Record(rec)
}

func exposeLine(line Line) Value {
	points := make([]Value, len(line.Points))
	for i, p := range line.Points {
		label := Null()
		if p.Label != "" {
			label = String(p.Label)
		}
		points[i] = Record(map[string]Value{
			"id":    String(p.ID),
			"x":     Number(p.X),
			"y":     Number(p.Y),
			"label": label,
		})
	}
	return Record(map[string]Value{
		"id":          String(line.ID),
		"title":       String(line.Title),
		"description": String(line.Description),
		"points":      List(points...),
	})
}
