package formula

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/spacemonkeygo/errors"
)

// documentKey carries the rejected document on a schema gate error
var documentKey = errors.GenSym()

// RejectedDocument returns the partially decoded document a gate error was
// raised for. its GateError holds err.
func RejectedDocument(err error) (*Document, bool) {
	doc, ok := errors.GetData(err, documentKey).(*Document)
	return doc, ok
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger routes engine logs to logger
func WithLogger(logger log15.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithConfig replaces the default config
func WithConfig(config Config) Option {
	return func(e *Engine) { e.config = config }
}

// WithValidator replaces the schema gate derived from the config
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithClock fixes the time source seen by now()
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine attaches to one document and keeps its formula fields current.
// every public method is serialized on the engine, so one engine serves
// one writer at a time. engines share no mutable state.
type Engine struct {
	mu sync.Mutex

	doc       *Document
	storage   *Storage
	functions *BuiltInFunctions
	config    Config
	validator Validator
	clock     Clock
	log       log15.Logger

	revision uint64
	lastPass []string
}

// DocumentEngine is the surface exposed to editing layers
type DocumentEngine interface {
	GetFieldValue(key string) (Value, error)
	GetText(key string) (string, error)
	GetNumber(key string) (float64, error)
	GetBool(key string) (bool, error)
	GetField(key string) (*Field, error)

	ApplyEdit(key string, value Value) error
	InsertRow(tableKey string, index *int, cells map[string]Value) (string, error)
	DeleteRow(tableKey string, rowID string) error
	MoveRow(tableKey string, from, to int) error
	SetFormula(key string, text string) error

	FieldState(key string) (State, error)
	FieldError(key string) error
	Evaluate(text string) (Value, error)
	Recompute()
	Snapshot() (*Document, uint64)
	Encode(w io.Writer) error
}

var _ DocumentEngine = (*Engine)(nil)

func newEngine(opts []Option) *Engine {
	e := &Engine{config: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = e.config.Validator()
	}
	if e.clock == nil {
		e.clock = &WallClock{}
	}
	if e.log == nil {
		e.log = log15.New()
		e.log.SetHandler(log15.DiscardHandler())
	}
	e.functions = NewBuiltInFunctions(e.clock)
	return e
}

// Open decodes document JSON (optionally zstd-compressed), runs the schema
// gate and attaches an engine to the result.
func Open(data []byte, opts ...Option) (*Engine, error) {
	raw, err := DecodeRaw(data)
	if err != nil {
		return nil, err
	}
	return OpenRaw(raw, opts...)
}

// OpenRaw is Open for already decoded JSON
func OpenRaw(raw map[string]any, opts ...Option) (*Engine, error) {
	e := newEngine(opts)
	doc := DocumentFromRaw(raw)
	if err := e.gate(raw, doc); err != nil {
		return nil, err
	}
	e.attach(doc)
	return e, nil
}

// NewEngine gates doc and attaches an engine to it. the engine owns doc
// from here on.
func NewEngine(doc *Document, opts ...Option) (*Engine, error) {
	e := newEngine(opts)
	doc.ensureIDs()
	if err := e.gate(doc.ToRaw(), doc); err != nil {
		return nil, err
	}
	e.attach(doc)
	return e, nil
}

func (e *Engine) gate(raw map[string]any, doc *Document) error {
	failure := e.validator.Validate(raw)
	if failure == nil {
		doc.GateError = nil
		return nil
	}
	err := failure.Err(errors.SetData(documentKey, doc))
	doc.GateError = err
	e.log.Warn("document rejected", "doc", doc.Identifier, "code", failure.Code, "problems", len(failure.Errors))
	return err
}

// attach indexes the document, wires every formula and runs a full pass
func (e *Engine) attach(doc *Document) {
	e.doc = doc
	e.log = e.log.New("doc", doc.Identifier)
	e.storage = NewStorage(doc)

	for _, f := range doc.Fields {
		f.Formula = strings.TrimSpace(f.Formula)
		if !f.HasFormula() {
			continue
		}
		id, _ := e.storage.fields.GetNodeID(f.Key())
		if err := e.storage.attachFormula(id, f, e.functions); err != nil {
			e.log.Warn("formula rejected", "field", f.Key(), "err", err)
		}
	}
	e.recompute()
	e.log.Info("document attached", "fields", len(doc.Fields), "formulas", e.storage.formulas.Count())
}

// recompute evaluates every stale formula once, precedents first. fields
// on a reference cycle are put in the error state without evaluation.
func (e *Engine) recompute() {
	graph := e.storage.dependencyGraph
	graph.MarkAllVolatileStale()
	e.lastPass = e.lastPass[:0]

	stale := graph.StaleNodes()
	if len(stale) == 0 {
		return
	}
	order, cyclic := graph.CalculationOrder(stale)

	for _, id := range sortedIDs(cyclic) {
		f, _ := e.storage.fields.GetField(id)
		node, _ := graph.GetNode(id)
		f.Value = Null()
		node.State = ErrorState
		node.Err = CyclicDependencyError.New("field %s is part of a reference cycle", f.Key())
		graph.ClearStale(id)
		e.log.Warn("cyclic reference", "rev", e.revision, "field", f.Key())
	}

	for _, id := range order {
		e.evaluateField(id)
	}
}

func (e *Engine) evaluateField(id NodeID) {
	graph := e.storage.dependencyGraph
	node, _ := graph.GetNode(id)
	f, _ := e.storage.fields.GetField(id)
	defer graph.ClearStale(id)

	formulaID, ok := e.storage.formulas.GetFormulaAtField(id)
	if !ok {
		return
	}
	ast, _ := e.storage.formulas.GetAST(formulaID)

	node.State = EvaluatingState
	budget := NewBudget(e.config.Budget.MaxSteps)
	result, err := Evaluate(ast, e.storage.fields, e.storage.schema, e.functions, budget)
	if err == nil {
		result, err = e.writeBack(f, result)
	}
	e.lastPass = append(e.lastPass, f.Key())

	if err != nil {
		f.Value = Null()
		node.State = ErrorState
		node.Err = err
		if Is(err, BudgetExceededError) {
			e.log.Warn("evaluation budget exhausted", "rev", e.revision, "field", f.Key(), "steps", budget.Used())
		} else {
			e.log.Debug("formula failed", "rev", e.revision, "field", f.Key(), "err", err)
		}
		return
	}

	f.Value = result
	if f.Kind == FieldTable {
		f.Table = nil
	}
	if f.Kind == FieldChart {
		f.Chart = nil
	}
	node.State = CleanState
	node.Err = nil
	e.log.Debug("formula evaluated", "rev", e.revision, "field", f.Key(), "steps", budget.Used())
}

// writeBack coerces a formula result to what the field kind stores
func (e *Engine) writeBack(f *Field, v Value) (Value, error) {
	fs, _ := e.storage.schema.Field(f.Key())
	var options *OptionSet
	if fs != nil {
		options = fs.Options
	}
	stored, ok := coerce(f.Kind, options, v)
	if !ok {
		return Null(), TypeMismatchError.New("field %s of type %s cannot hold %s", f.Key(), f.Kind, v.Kind())
	}
	return stored, nil
}

// coerce converts v to the representation stored by a field of kind.
// null is accepted by every kind.
func coerce(kind FieldKind, options *OptionSet, v Value) (Value, bool) {
	if v.IsNull() {
		return v, true
	}
	switch kind {
	case FieldText, FieldTextarea:
		return String(Stringify(v)), true
	case FieldNumber:
		n, ok := toNumber(v)
		if !ok {
			return Null(), false
		}
		return Number(n), true
	case FieldDate:
		ms, ok := toMillis(v)
		if !ok {
			return Null(), false
		}
		return Int(ms), true
	case FieldBoolean:
		return Bool(Truthy(v)), true
	case FieldDropdown, FieldMultiSelect:
		return options.Store(v), true
	}
	return v, true
}

// lookup resolves a field by identifier or _id
func (e *Engine) lookup(key string) (NodeID, *Field, error) {
	if id, ok := e.storage.fields.GetNodeID(key); ok {
		if f, ok := e.storage.fields.GetField(id); ok {
			return id, f, nil
		}
	}
	return 0, nil, NotFoundError.New("field not found: %s", key)
}

// table resolves a user editable table field
func (e *Engine) table(key string) (NodeID, *Field, error) {
	id, f, err := e.lookup(key)
	if err != nil {
		return 0, nil, err
	}
	if f.Kind != FieldTable {
		return 0, nil, InvalidArgumentError.New("field %s is a %s, not a table", key, f.Kind)
	}
	if f.HasFormula() {
		return 0, nil, FailedPreconditionError.New("table %s is computed by a formula", key)
	}
	return id, f, nil
}

// changed records a mutation of id and recomputes what depends on it
func (e *Engine) changed(id NodeID) {
	e.revision++
	e.storage.dependencyGraph.MarkDependentsStale(id)
	e.recompute()
}

// GetFieldValue returns a field's value as formulas see it: option labels
// for dropdowns, row records for tables and line records for charts.
func (e *Engine) GetFieldValue(key string) (Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, f, err := e.lookup(key)
	if err != nil {
		return Null(), err
	}
	fs, _ := e.storage.schema.Field(f.Key())
	return Expose(f, fs).Clone(), nil
}

// GetText returns a field's value rendered as text
func (e *Engine) GetText(key string) (string, error) {
	v, err := e.GetFieldValue(key)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// GetNumber returns a field's value as a number. null reads as 0.
func (e *Engine) GetNumber(key string) (float64, error) {
	v, err := e.GetFieldValue(key)
	if err != nil {
		return 0, err
	}
	n, ok := toNumber(v)
	if !ok {
		return 0, TypeMismatchError.New("field %s holds %s, not a number", key, v.Kind())
	}
	return n, nil
}

// GetBool returns the truthiness of a field's value
func (e *Engine) GetBool(key string) (bool, error) {
	v, err := e.GetFieldValue(key)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// GetField returns a deep copy of the full field record
func (e *Engine) GetField(key string) (*Field, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, f, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// ApplyEdit replaces the value of a user supplied field. dropdown edits may
// name options by id or label. tables and charts take their JSON shape.
func (e *Engine) ApplyEdit(key string, value Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.lookup(key)
	if err != nil {
		return err
	}
	if f.HasFormula() {
		return FailedPreconditionError.New("field %s is computed by a formula", key)
	}

	switch f.Kind {
	case FieldTable:
		if !value.IsNull() && value.Kind() != KindList {
			return InvalidArgumentError.New("table %s takes a list of rows, got %s", key, value.Kind())
		}
		f.Table = rowsFromRaw(value.Native())
		f.ensureIDs()
	case FieldChart:
		if !value.IsNull() && value.Kind() != KindList {
			return InvalidArgumentError.New("chart %s takes a list of lines, got %s", key, value.Kind())
		}
		f.Chart = linesFromRaw(value.Native())
		f.ensureIDs()
	default:
		fs, _ := e.storage.schema.Field(f.Key())
		var options *OptionSet
		if fs != nil {
			options = fs.Options
		}
		stored, ok := coerce(f.Kind, options, value)
		if !ok {
			return InvalidArgumentError.New("field %s of type %s cannot hold %s", key, f.Kind, value.Kind())
		}
		f.Value = stored
	}

	e.log.Info("field edited", "rev", e.revision+1, "field", f.Key(), "op", "edit")
	e.changed(id)
	return nil
}

// InsertRow adds a row to a table at a live row position, or at the end
// when index is nil. cells are keyed by column id or identifier. returns
// the new row id.
func (e *Engine) InsertRow(tableKey string, index *int, cells map[string]Value) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.table(tableKey)
	if err != nil {
		return "", err
	}
	live := f.liveRowCount()
	at := live
	if index != nil {
		at = *index
	}
	if at < 0 || at > live {
		return "", OutOfRangeError.New("row index %d outside [0, %d] of table %s", at, live, tableKey)
	}

	stored, err := e.rowCells(f, cells)
	if err != nil {
		return "", err
	}
	seen := make(map[string]struct{}, len(f.Table))
	for _, row := range f.Table {
		seen[row.ID] = struct{}{}
	}
	row := Row{ID: uniqueID("", seen), Cells: stored}

	pos := len(f.Table)
	if at < live {
		pos = f.liveRowIndex(at)
	}
	f.Table = slices.Insert(f.Table, pos, row)

	e.log.Info("row inserted", "rev", e.revision+1, "field", f.Key(), "op", "insertRow", "row", row.ID)
	e.changed(id)
	return row.ID, nil
}

// rowCells maps cell keys to column ids and stores option labels as ids
func (e *Engine) rowCells(f *Field, cells map[string]Value) (map[string]Value, error) {
	fs, _ := e.storage.schema.Field(f.Key())
	out := make(map[string]Value, len(cells))
	for key, v := range cells {
		if len(f.Columns) == 0 {
			out[key] = v
			continue
		}
		col, ok := f.Column(key)
		if !ok {
			return nil, InvalidArgumentError.New("table %s has no column %s", f.Key(), key)
		}
		var options *OptionSet
		if cs, ok := fs.Column(col.ID); ok {
			options = cs.Options
		}
		stored, ok := coerce(col.Kind, options, v)
		if !ok {
			return nil, InvalidArgumentError.New("column %s of type %s cannot hold %s", key, col.Kind, v.Kind())
		}
		out[col.ID] = stored
	}
	return out, nil
}

// DeleteRow removes a live row. the row stays in storage flagged deleted.
func (e *Engine) DeleteRow(tableKey string, rowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.table(tableKey)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(f.Table, func(r Row) bool { return r.ID == rowID && !r.Deleted })
	if i < 0 {
		return NotFoundError.New("row %s not found in table %s", rowID, tableKey)
	}
	f.Table[i].Deleted = true

	e.log.Info("row deleted", "rev", e.revision+1, "field", f.Key(), "op", "deleteRow", "row", rowID)
	e.changed(id)
	return nil
}

// MoveRow moves the live row at from so it ends up at live position to
func (e *Engine) MoveRow(tableKey string, from, to int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.table(tableKey)
	if err != nil {
		return err
	}
	live := f.liveRowCount()
	if from < 0 || from >= live {
		return OutOfRangeError.New("row index %d outside [0, %d) of table %s", from, live, tableKey)
	}
	if to < 0 || to >= live {
		return OutOfRangeError.New("row index %d outside [0, %d) of table %s", to, live, tableKey)
	}
	if from == to {
		return nil
	}

	src := f.liveRowIndex(from)
	row := f.Table[src]
	f.Table = slices.Delete(f.Table, src, src+1)
	dst := f.liveRowIndex(to)
	if dst < 0 {
		dst = len(f.Table)
	}
	f.Table = slices.Insert(f.Table, dst, row)

	e.log.Info("row moved", "rev", e.revision+1, "field", f.Key(), "op", "moveRow", "from", from, "to", to)
	e.changed(id)
	return nil
}

// SetFormula assigns formula text to a field. empty text turns the field
// back into a user supplied one that keeps its last value. a parse error
// is returned and also recorded on the field.
func (e *Engine) SetFormula(key string, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.lookup(key)
	if err != nil {
		return err
	}
	f.Formula = strings.TrimSpace(text)
	f.FormulaRef = ""
	parseErr := e.storage.attachFormula(id, f, e.functions)

	e.log.Info("formula assigned", "rev", e.revision+1, "field", f.Key(), "op", "setFormula", "ok", parseErr == nil)
	e.changed(id)
	return parseErr
}

// FieldState returns the recompute state of a field
func (e *Engine) FieldState(key string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, _, err := e.lookup(key)
	if err != nil {
		return StaleState, err
	}
	state, _ := e.storage.state(id)
	return state, nil
}

// FieldError returns the diagnostic attached to a field, nil when it is
// clean. unknown fields report NotFound.
func (e *Engine) FieldError(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, _, err := e.lookup(key)
	if err != nil {
		return err
	}
	_, diagnostic := e.storage.state(id)
	return diagnostic
}

// Evaluate runs an ad-hoc expression against the current field values
func (e *Engine) Evaluate(text string) (Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ast, err := Parse(text, e.functions)
	if err != nil {
		return Null(), err
	}
	budget := NewBudget(e.config.Budget.MaxSteps)
	return Evaluate(ast, e.storage.fields, e.storage.schema, e.functions, budget)
}

// Recompute re-evaluates every formula field
func (e *Engine) Recompute() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.storage.dependencyGraph.FormulaNodes() {
		e.storage.dependencyGraph.MarkStale(id)
	}
	e.revision++
	e.recompute()
}

// Snapshot returns a deep copy of the document with its revision
func (e *Engine) Snapshot() (*Document, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone(), e.revision
}

// Encode writes the current document as JSON
func (e *Engine) Encode(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EncodeDocument(w, e.doc)
}

// Revision counts the mutations applied since the engine attached
func (e *Engine) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

// LastPass lists the fields evaluated by the latest recompute, in order
func (e *Engine) LastPass() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.lastPass)
}

// Keys lists field keys in document order
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, len(e.doc.Fields))
	for i, f := range e.doc.Fields {
		keys[i] = f.Key()
	}
	return keys
}

// Functions returns the builtin registry the engine evaluates with
func (e *Engine) Functions() *BuiltInFunctions {
	return e.functions
}

// Undefined lists names formulas reference that no field carries
func (e *Engine) Undefined() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storage.fields.Undefined()
}

// Describe renders a one line summary of a field's value and state
func (e *Engine) Describe(key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, f, err := e.lookup(key)
	if err != nil {
		return "", err
	}
	fs, _ := e.storage.schema.Field(f.Key())
	state, diagnostic := e.storage.state(id)
	line := fmt.Sprintf("%s = %s [%s]", f.Key(), Stringify(Expose(f, fs)), state)
	if diagnostic != nil {
		line += ": " + Message(diagnostic)
	}
	return line, nil
}
