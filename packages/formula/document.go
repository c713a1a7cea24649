package formula

import (
	"crypto/rand"
	"encoding/hex"
	"iter"
)

// FieldKind is the document type tag of a field. kinds this package does
// not know keep their tag and raw value untouched.
type FieldKind string

const (
	FieldText        FieldKind = "text"
	FieldTextarea    FieldKind = "textarea"
	FieldNumber      FieldKind = "number"
	FieldBoolean     FieldKind = "boolean"
	FieldDate        FieldKind = "date"
	FieldDropdown    FieldKind = "dropdown"
	FieldMultiSelect FieldKind = "multiSelect"
	FieldTable       FieldKind = "table"
	FieldChart       FieldKind = "chart"
	FieldSignature   FieldKind = "signature"
	FieldImage       FieldKind = "image"
	FieldBlock       FieldKind = "block"
)

// Choice is one option of a dropdown or multiSelect.
type Choice struct {
	ID    string
	Label string
}

// Column describes one column of a table field.
type Column struct {
	ID         string
	Identifier string
	Kind       FieldKind
	Options    []Choice
}

// Key is the name formulas use for the column.
func (c Column) Key() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	return c.ID
}

// Row is one table row. cells are keyed by column id. deleted rows stay in
// storage but are invisible to formulas.
type Row struct {
	ID      string
	Cells   map[string]Value
	Deleted bool
}

// Line is one chart series.
type Line struct {
	ID          string
	Title       string
	Description string
	Points      []Point
}

// Point is one chart sample.
type Point struct {
	ID    string
	X     float64
	Y     float64
	Label string
}

// Field is a single document field. scalar kinds keep their data in Value,
// tables in Table and charts in Chart.
type Field struct {
	ID         string
	Identifier string
	Name       string
	Kind       FieldKind
	Formula    string // expression text, "" when the field is user supplied
	FormulaRef string // id of the applied document formula, if any
	Value      Value
	Table      []Row
	Chart      []Line
	Columns    []Column
	Options    []Choice

	// extra keeps decoded attributes this package does not model
	extra map[string]any
}

// Key is the name formulas use for the field.
func (f *Field) Key() string {
	if f.Identifier != "" {
		return f.Identifier
	}
	return f.ID
}

// HasFormula reports whether the field is computed.
func (f *Field) HasFormula() bool {
	return f.Formula != ""
}

// Rows yields the live rows of a table field in stored order.
func (f *Field) Rows() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		for _, row := range f.Table {
			if row.Deleted {
				continue
			}
			if !yield(row) {
				return
			}
		}
	}
}

// liveRowIndex maps a position among live rows to a position in Table.
// returns -1 when out of range.
func (f *Field) liveRowIndex(live int) int {
	n := 0
	for i, row := range f.Table {
		if row.Deleted {
			continue
		}
		if n == live {
			return i
		}
		n++
	}
	return -1
}

// liveRowCount counts non-deleted rows
func (f *Field) liveRowCount() int {
	n := 0
	for range f.Rows() {
		n++
	}
	return n
}

// Column returns the column with the given id or identifier.
func (f *Field) Column(key string) (Column, bool) {
	for _, col := range f.Columns {
		if col.ID == key || (col.Identifier != "" && col.Identifier == key) {
			return col, true
		}
	}
	return Column{}, false
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	out := *f
	out.Value = f.Value.Clone()
	if f.Table != nil {
		out.Table = make([]Row, len(f.Table))
		for i, row := range f.Table {
			out.Table[i] = row.clone()
		}
	}
	if f.Chart != nil {
		out.Chart = make([]Line, len(f.Chart))
		for i, line := range f.Chart {
			out.Chart[i] = line
			out.Chart[i].Points = append([]Point(nil), line.Points...)
		}
	}
	if f.Columns != nil {
		out.Columns = make([]Column, len(f.Columns))
		for i, col := range f.Columns {
			out.Columns[i] = col
			out.Columns[i].Options = append([]Choice(nil), col.Options...)
		}
	}
	out.Options = append([]Choice(nil), f.Options...)
	return &out
}

func (r Row) clone() Row {
	cells := make(map[string]Value, len(r.Cells))
	for k, v := range r.Cells {
		cells[k] = v.Clone()
	}
	r.Cells = cells
	return r
}

// FormulaDef is a document level formula that fields apply by id.
type FormulaDef struct {
	ID          string
	Description string
	Type        string
	Scope       string
	Expression  string
}

// Document is a schema-validated form document.
type Document struct {
	Version    string
	Identifier string
	Name       string
	Formulas   []FormulaDef
	Fields     []*Field

	// GateError holds the last schema gate failure, nil once attached.
	GateError error

	// extra keeps decoded top-level attributes this package does not model
	extra map[string]any
}

// Field looks a field up by identifier, falling back to id.
func (d *Document) Field(key string) (*Field, bool) {
	for _, f := range d.Fields {
		if f.Identifier == key {
			return f, true
		}
	}
	for _, f := range d.Fields {
		if f.ID == key {
			return f, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := *d
	out.Formulas = append([]FormulaDef(nil), d.Formulas...)
	out.Fields = make([]*Field, len(d.Fields))
	for i, f := range d.Fields {
		out.Fields[i] = f.Clone()
	}
	return &out
}

// ensureIDs fills empty row, line and point ids so every id is unique and
// non-empty within its list.
func (d *Document) ensureIDs() {
	for _, f := range d.Fields {
		f.ensureIDs()
	}
}

func (f *Field) ensureIDs() {
	if len(f.Table) > 0 {
		seen := make(map[string]struct{}, len(f.Table))
		for i := range f.Table {
			f.Table[i].ID = uniqueID(f.Table[i].ID, seen)
			if f.Table[i].Cells == nil {
				f.Table[i].Cells = map[string]Value{}
			}
		}
	}
	if len(f.Chart) > 0 {
		seen := make(map[string]struct{}, len(f.Chart))
		for i := range f.Chart {
			f.Chart[i].ID = uniqueID(f.Chart[i].ID, seen)
			points := make(map[string]struct{}, len(f.Chart[i].Points))
			for j := range f.Chart[i].Points {
				f.Chart[i].Points[j].ID = uniqueID(f.Chart[i].Points[j].ID, points)
			}
		}
	}
}

// uniqueID keeps id when it is non-empty and unseen, otherwise mints one
func uniqueID(id string, seen map[string]struct{}) string {
	if _, dup := seen[id]; id == "" || dup {
		for {
			id = NewID()
			if _, dup := seen[id]; !dup {
				break
			}
		}
	}
	seen[id] = struct{}{}
	return id
}

// NewID returns a 24 character hex id.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
