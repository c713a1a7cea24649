package formula

// Storage holds references to the shared tables an engine works over
type Storage struct {
	fields          *FieldIndex
	formulas        *FormulaTable
	dependencyGraph *DependencyGraph
	schema          *Schema

	// parse failures keep their field out of the graph until fixed
	parseErrors map[NodeID]error
}

// NewStorage indexes every field of doc. formulas are attached separately.
func NewStorage(doc *Document) *Storage {
	s := &Storage{
		fields:          NewFieldIndex(),
		formulas:        NewFormulaTable(),
		dependencyGraph: NewDependencyGraph(),
		schema:          NewSchema(doc),
		parseErrors:     make(map[NodeID]error),
	}
	for _, f := range doc.Fields {
		s.fields.DefineField(f)
	}
	return s
}

// attachFormula parses the field's formula and wires its references into
// the graph. a parse failure is recorded and returned, and the field stays
// out of the graph.
func (s *Storage) attachFormula(id NodeID, f *Field, functions *BuiltInFunctions) error {
	s.detachFormula(id)
	if !f.HasFormula() {
		return nil
	}

	ast, err := Parse(f.Formula, functions)
	if err != nil {
		s.parseErrors[id] = err
		f.Value = Null()
		return err
	}

	formulaID := s.formulas.InternFormula(ast, id, functions)
	s.dependencyGraph.SetFormula(id, string(normalizeAST(ast)))
	for _, name := range s.formulas.GetReferences(formulaID) {
		s.dependencyGraph.AddDependency(id, s.fields.InternField(name))
	}
	if s.formulas.IsVolatile(formulaID) {
		s.dependencyGraph.MarkVolatile(id)
	}
	s.dependencyGraph.MarkStale(id)
	return nil
}

// detachFormula removes a field's formula, its edges and any parse failure
func (s *Storage) detachFormula(id NodeID) {
	if formulaID, ok := s.formulas.GetFormulaAtField(id); ok {
		for _, name := range s.formulas.GetReferences(formulaID) {
			if ref, ok := s.fields.GetNodeID(name); ok {
				s.fields.RemoveReference(ref)
			}
		}
		s.formulas.ReleaseField(id)
	}
	s.dependencyGraph.ClearDependencies(id)
	s.dependencyGraph.ClearFormula(id)
	delete(s.parseErrors, id)
}

// state reports the recompute state of a field. fields without a formula
// are always clean.
func (s *Storage) state(id NodeID) (State, error) {
	if err, failed := s.parseErrors[id]; failed {
		return ErrorState, err
	}
	node, exists := s.dependencyGraph.GetNode(id)
	if !exists || node.Formula == "" {
		return CleanState, nil
	}
	return node.State, node.Err
}
