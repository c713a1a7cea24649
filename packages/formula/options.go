package formula

// OptionSet maps option ids to display labels and back. a field's stored
// value holds ids, formulas see labels.
type OptionSet struct {
	idToLabel map[string]string
	labelToID map[string]string
	order     []string // ids in declaration order
}

// NewOptionSet creates an option set from declared options
func NewOptionSet(options []Choice) *OptionSet {
	set := &OptionSet{
		idToLabel: make(map[string]string, len(options)),
		labelToID: make(map[string]string, len(options)),
		order:     make([]string, 0, len(options)),
	}
	for _, opt := range options {
		set.Define(opt.ID, opt.Label)
	}
	return set
}

// Define adds or relabels an option. the first id defined for a label
// wins the reverse lookup.
func (set *OptionSet) Define(id, label string) {
	if old, exists := set.idToLabel[id]; exists {
		if set.labelToID[old] == id {
			delete(set.labelToID, old)
		}
	} else {
		set.order = append(set.order, id)
	}
	set.idToLabel[id] = label
	if _, taken := set.labelToID[label]; !taken {
		set.labelToID[label] = id
	}
}

// Label returns the display label of an option id
func (set *OptionSet) Label(id string) (string, bool) {
	if set == nil {
		return "", false
	}
	label, exists := set.idToLabel[id]
	return label, exists
}

// Resolve accepts either an id or a label and returns the option id
func (set *OptionSet) Resolve(idOrLabel string) (string, bool) {
	if set == nil {
		return "", false
	}
	if _, exists := set.idToLabel[idOrLabel]; exists {
		return idOrLabel, true
	}
	id, exists := set.labelToID[idOrLabel]
	return id, exists
}

// Count returns the number of options
func (set *OptionSet) Count() int {
	if set == nil {
		return 0
	}
	return len(set.order)
}

// Display maps a stored dropdown or multiSelect value to what formulas see.
// unknown ids pass through unchanged.
func (set *OptionSet) Display(stored Value) Value {
	switch stored.Kind() {
	case KindString:
		id, _ := stored.AsString()
		if label, ok := set.Label(id); ok {
			return String(label)
		}
		return stored
	case KindList:
		items, _ := stored.AsList()
		out := make([]Value, len(items))
		for i, item := range items {
			out[i] = set.Display(item)
		}
		return List(out...)
	}
	return stored
}

// Store maps an edit expressed in ids or labels back to stored ids.
func (set *OptionSet) Store(edit Value) Value {
	switch edit.Kind() {
	case KindString:
		s, _ := edit.AsString()
		if id, ok := set.Resolve(s); ok {
			return String(id)
		}
		return edit
	case KindList:
		items, _ := edit.AsList()
		out := make([]Value, len(items))
		for i, item := range items {
			out[i] = set.Store(item)
		}
		return List(out...)
	}
	return edit
}

// ColumnSchema is the resolving metadata of one table column.
type ColumnSchema struct {
	ID         string
	Identifier string
	Kind       FieldKind
	Options    *OptionSet
}

// FieldSchema is the resolving metadata of one field.
type FieldSchema struct {
	Kind    FieldKind
	Options *OptionSet
	Columns []*ColumnSchema
	byKey   map[string]*ColumnSchema
}

// Column looks a column up by id or identifier.
func (fs *FieldSchema) Column(key string) (*ColumnSchema, bool) {
	if fs == nil {
		return nil, false
	}
	col, ok := fs.byKey[key]
	return col, ok
}

// Schema holds option and column metadata for every field. it is threaded
// explicitly through evaluation, there is no global lookup.
type Schema struct {
	fields map[string]*FieldSchema
}

// NewSchema builds the schema of a document, keyed by field identifier and
// field id.
func NewSchema(doc *Document) *Schema {
	s := &Schema{fields: make(map[string]*FieldSchema, len(doc.Fields))}
	for _, f := range doc.Fields {
		fs := &FieldSchema{
			Kind:    f.Kind,
			Options: NewOptionSet(f.Options),
			byKey:   make(map[string]*ColumnSchema, len(f.Columns)*2),
		}
		for _, col := range f.Columns {
			cs := &ColumnSchema{
				ID:         col.ID,
				Identifier: col.Identifier,
				Kind:       col.Kind,
				Options:    NewOptionSet(col.Options),
			}
			fs.Columns = append(fs.Columns, cs)
			fs.byKey[col.ID] = cs
			if col.Identifier != "" {
				fs.byKey[col.Identifier] = cs
			}
		}
		s.fields[f.ID] = fs
		if f.Identifier != "" {
			s.fields[f.Identifier] = fs
		}
	}
	return s
}

// Field returns the schema of a field by identifier or id.
func (s *Schema) Field(key string) (*FieldSchema, bool) {
	if s == nil {
		return nil, false
	}
	fs, ok := s.fields[key]
	return fs, ok
}
