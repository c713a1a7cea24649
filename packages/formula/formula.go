package formula

import "sort"

// ASTKey is the normalized text of a parsed formula. two formulas with the
// same structure (ignoring whitespace and function name case) share a key.
type ASTKey string

// FormulaTable stores parsed formulas centrally so fields applying the same
// expression share one AST, along with its static references.
type FormulaTable struct {
	// core formula storage

	astIndex  map[ASTKey]uint32 // normalized AST -> formula ID
	astCache  map[uint32]Node   // formula ID -> cached parsed AST
	refCounts map[uint32]int    // formula ID -> reference count

	// static analysis, computed once per formula

	references map[uint32][]string // formula ID -> field names it reads
	volatile   map[uint32]bool     // formula ID -> calls a volatile builtin

	// field tracking

	fieldsUsingFormula map[uint32]map[NodeID]struct{} // formula ID -> fields using it
	formulaAtField     map[NodeID]uint32              // field -> formula ID (reverse index)

	nextID uint32
}

// NewFormulaTable creates a new formula table
func NewFormulaTable() *FormulaTable {
	return &FormulaTable{
		astIndex:           make(map[ASTKey]uint32),
		astCache:           make(map[uint32]Node),
		refCounts:          make(map[uint32]int),
		references:         make(map[uint32][]string),
		volatile:           make(map[uint32]bool),
		fieldsUsingFormula: make(map[uint32]map[NodeID]struct{}),
		formulaAtField:     make(map[NodeID]uint32),
		nextID:             1, // 0 means no formula
	}
}

func normalizeAST(ast Node) ASTKey {
	if ast == nil {
		return ""
	}
	return ASTKey(ast.ToString())
}

// InternFormula adds a formula for a field, or increments the reference
// count of an identical one. a formula previously held by the field is
// released. returns the formula ID.
func (ft *FormulaTable) InternFormula(ast Node, field NodeID, functions *BuiltInFunctions) uint32 {
	key := normalizeAST(ast)

	if id, exists := ft.astIndex[key]; exists {
		if current, ok := ft.formulaAtField[field]; ok && current == id {
			return id
		}
		ft.ReleaseField(field)
		ft.refCounts[id]++
		ft.trackFieldUsage(id, field)
		return id
	}

	ft.ReleaseField(field)
	id := ft.nextID
	ft.astIndex[key] = id
	ft.astCache[id] = ast
	ft.refCounts[id] = 1
	ft.references[id] = ExtractReferences(ast)
	ft.volatile[id] = containsVolatile(ast, functions)
	ft.trackFieldUsage(id, field)
	ft.nextID++

	return id
}

func (ft *FormulaTable) trackFieldUsage(formulaID uint32, field NodeID) {
	if ft.fieldsUsingFormula[formulaID] == nil {
		ft.fieldsUsingFormula[formulaID] = make(map[NodeID]struct{})
	}
	ft.fieldsUsingFormula[formulaID][field] = struct{}{}
	ft.formulaAtField[field] = formulaID
}

// ReleaseField drops the formula a field holds. returns true if the
// formula was removed due to zero references.
func (ft *FormulaTable) ReleaseField(field NodeID) bool {
	formulaID, exists := ft.formulaAtField[field]
	if !exists {
		return false
	}
	delete(ft.formulaAtField, field)
	if fields, ok := ft.fieldsUsingFormula[formulaID]; ok {
		delete(fields, field)
		if len(fields) == 0 {
			delete(ft.fieldsUsingFormula, formulaID)
		}
	}

	ft.refCounts[formulaID]--
	if ft.refCounts[formulaID] <= 0 {
		ft.removeFormula(formulaID)
		return true
	}
	return false
}

func (ft *FormulaTable) removeFormula(formulaID uint32) {
	if ast, exists := ft.astCache[formulaID]; exists {
		delete(ft.astIndex, normalizeAST(ast))
	}
	delete(ft.astCache, formulaID)
	delete(ft.refCounts, formulaID)
	delete(ft.references, formulaID)
	delete(ft.volatile, formulaID)
	delete(ft.fieldsUsingFormula, formulaID)
}

// GetAST retrieves the cached AST for a formula ID
func (ft *FormulaTable) GetAST(id uint32) (Node, bool) {
	ast, exists := ft.astCache[id]
	return ast, exists
}

// GetFormulaAtField returns the formula ID held by a field
func (ft *FormulaTable) GetFormulaAtField(field NodeID) (uint32, bool) {
	id, exists := ft.formulaAtField[field]
	return id, exists
}

// GetReferences returns the field names a formula reads
func (ft *FormulaTable) GetReferences(id uint32) []string {
	return ft.references[id]
}

// IsVolatile reports whether a formula calls a volatile builtin
func (ft *FormulaTable) IsVolatile(id uint32) bool {
	return ft.volatile[id]
}

// GetReferenceCount returns the reference count for a formula
func (ft *FormulaTable) GetReferenceCount(id uint32) int {
	return ft.refCounts[id]
}

// GetFieldsUsingFormula returns all fields using a specific formula
func (ft *FormulaTable) GetFieldsUsingFormula(formulaID uint32) []NodeID {
	return sortedIDs(ft.fieldsUsingFormula[formulaID])
}

// Count returns the number of unique formulas
func (ft *FormulaTable) Count() int {
	return len(ft.astIndex)
}

// TotalReferences returns the total number of references across all formulas
func (ft *FormulaTable) TotalReferences() int {
	total := 0
	for _, count := range ft.refCounts {
		total += count
	}
	return total
}

// ExtractReferences collects every top-level field name an expression
// reads. names bound by an enclosing lambda are not field references.
// the result is sorted and free of duplicates.
func ExtractReferences(ast Node) []string {
	seen := make(map[string]struct{})
	collectReferences(ast, nil, seen)
	result := make([]string, 0, len(seen))
	for name := range seen {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func collectReferences(node Node, bound map[string]struct{}, seen map[string]struct{}) {
	switch n := node.(type) {
	case *ReferenceNode:
		if _, isParam := bound[n.Name]; !isParam {
			seen[n.Name] = struct{}{}
		}
	case *ArrayNode:
		for _, elem := range n.Elements {
			collectReferences(elem, bound, seen)
		}
	case *MemberNode:
		collectReferences(n.Target, bound, seen)
	case *IndexNode:
		collectReferences(n.Target, bound, seen)
		collectReferences(n.Index, bound, seen)
	case *BinaryOpNode:
		collectReferences(n.Left, bound, seen)
		collectReferences(n.Right, bound, seen)
	case *UnaryOpNode:
		collectReferences(n.Operand, bound, seen)
	case *FunctionCallNode:
		for _, arg := range n.Args {
			collectReferences(arg, bound, seen)
		}
	case *LambdaNode:
		inner := make(map[string]struct{}, len(bound)+len(n.Params))
		for name := range bound {
			inner[name] = struct{}{}
		}
		for _, name := range n.Params {
			inner[name] = struct{}{}
		}
		collectReferences(n.Body, inner, seen)
	}
}

// containsVolatile checks the tree for calls that must run on every pass
func containsVolatile(node Node, functions *BuiltInFunctions) bool {
	if functions == nil {
		return false
	}
	switch n := node.(type) {
	case *FunctionCallNode:
		if functions.IsVolatile(n.Name) {
			return true
		}
		for _, arg := range n.Args {
			if containsVolatile(arg, functions) {
				return true
			}
		}
	case *ArrayNode:
		for _, elem := range n.Elements {
			if containsVolatile(elem, functions) {
				return true
			}
		}
	case *MemberNode:
		return containsVolatile(n.Target, functions)
	case *IndexNode:
		return containsVolatile(n.Target, functions) || containsVolatile(n.Index, functions)
	case *BinaryOpNode:
		return containsVolatile(n.Left, functions) || containsVolatile(n.Right, functions)
	case *UnaryOpNode:
		return containsVolatile(n.Operand, functions)
	case *LambdaNode:
		return containsVolatile(n.Body, functions)
	}
	return false
}
