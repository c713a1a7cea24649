package formula

import (
	"slices"
	"testing"
)

func tableField() *Field {
	return &Field{
		ID:         "fd_t",
		Identifier: "t",
		Kind:       FieldTable,
		Columns: []Column{
			{ID: "col_a", Identifier: "a", Kind: FieldNumber},
			{ID: "col_b", Kind: FieldText},
		},
		Table: []Row{
			{ID: "r1", Cells: map[string]Value{"col_a": Int(1)}},
			{ID: "r2", Cells: map[string]Value{"col_a": Int(2)}, Deleted: true},
			{ID: "r3", Cells: map[string]Value{"col_a": Int(3)}},
		},
	}
}

func TestFieldRows(t *testing.T) {
	f := tableField()

	var ids []string
	for row := range f.Rows() {
		ids = append(ids, row.ID)
	}
	if !slices.Equal(ids, []string{"r1", "r3"}) {
		t.Errorf("Rows() = %v, want [r1 r3]", ids)
	}
	if n := f.liveRowCount(); n != 2 {
		t.Errorf("liveRowCount() = %d, want 2", n)
	}

	tests := []struct {
		live int
		want int
	}{
		{0, 0},
		{1, 2},
		{2, -1},
		{-1, -1},
	}
	for _, tt := range tests {
		if got := f.liveRowIndex(tt.live); got != tt.want {
			t.Errorf("liveRowIndex(%d) = %d, want %d", tt.live, got, tt.want)
		}
	}

	// stopping early ends the walk
	for row := range f.Rows() {
		if row.ID != "r1" {
			t.Errorf("first live row = %s, want r1", row.ID)
		}
		break
	}
}

func TestFieldColumns(t *testing.T) {
	f := tableField()

	for _, key := range []string{"a", "col_a"} {
		col, ok := f.Column(key)
		if !ok || col.ID != "col_a" {
			t.Errorf("Column(%q) = %v, %v; want col_a", key, col, ok)
		}
	}
	col, ok := f.Column("col_b")
	if !ok || col.Key() != "col_b" {
		t.Errorf("a column without identifier is keyed by id, got %q", col.Key())
	}
	if _, ok := f.Column(""); ok {
		t.Error(`Column("") should never match an empty identifier`)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	doc := newDocument(tableField(), valueField("n", FieldNumber, Int(1)))
	copied := doc.Clone()

	copied.Fields[0].Table[0].Cells["col_a"] = Int(99)
	copied.Fields[0].Columns[0].Identifier = "renamed"
	copied.Fields[1].Value = Int(2)

	orig, _ := doc.Field("t")
	if v := orig.Table[0].Cells["col_a"]; !Equal(v, Int(1)) {
		t.Errorf("cell changed through the clone: %s", v)
	}
	if orig.Columns[0].Identifier != "a" {
		t.Error("column changed through the clone")
	}
	n, _ := doc.Field("n")
	if !Equal(n.Value, Int(1)) {
		t.Errorf("value changed through the clone: %s", n.Value)
	}
}

func TestDocumentFieldLookup(t *testing.T) {
	doc := newDocument(
		&Field{ID: "shadow", Identifier: "x", Kind: FieldText},
		&Field{ID: "x", Identifier: "y", Kind: FieldText},
	)

	// identifiers win over ids
	if f, ok := doc.Field("x"); !ok || f.ID != "shadow" {
		t.Errorf("Field(x) resolved to %v", f)
	}
	if f, ok := doc.Field("shadow"); !ok || f.Identifier != "x" {
		t.Errorf("Field(shadow) resolved to %v", f)
	}
	if _, ok := doc.Field("nothing"); ok {
		t.Error("Field(nothing) should not resolve")
	}
}

func TestEnsureIDs(t *testing.T) {
	f := &Field{
		Kind: FieldTable,
		Table: []Row{
			{ID: "r1"},
			{ID: ""},
			{ID: "r1"},
		},
	}
	chart := &Field{
		Kind: FieldChart,
		Chart: []Line{
			{ID: "l1", Points: []Point{{ID: "p"}, {ID: "p"}, {}}},
			{},
		},
	}
	doc := newDocument(f, chart)
	doc.ensureIDs()

	seen := map[string]bool{}
	for i, row := range f.Table {
		if row.ID == "" || seen[row.ID] {
			t.Errorf("row %d has id %q after ensureIDs", i, row.ID)
		}
		seen[row.ID] = true
		if row.Cells == nil {
			t.Errorf("row %d has nil cells", i)
		}
	}
	if f.Table[0].ID != "r1" {
		t.Errorf("the first r1 should be kept, got %q", f.Table[0].ID)
	}
	if len(f.Table[1].ID) != 24 {
		t.Errorf("minted id %q is not 24 hex chars", f.Table[1].ID)
	}

	points := chart.Chart[0].Points
	if points[0].ID != "p" || points[1].ID == "p" || points[2].ID == "" {
		t.Errorf("point ids = %q, %q, %q", points[0].ID, points[1].ID, points[2].ID)
	}
	if chart.Chart[1].ID == "" {
		t.Error("line without id was not given one")
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if len(id) != 24 {
			t.Fatalf("NewID() = %q, want 24 characters", id)
		}
		if seen[id] {
			t.Fatalf("NewID() repeated %q", id)
		}
		seen[id] = true
	}
}
