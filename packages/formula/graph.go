package formula

import "sort"

// State is the recompute state of a formula field
type State uint8

const (
	StaleState State = iota
	EvaluatingState
	CleanState
	ErrorState
)

var stateNames = map[State]string{
	StaleState:      "stale",
	EvaluatingState: "evaluating",
	CleanState:      "clean",
	ErrorState:      "error",
}

func (s State) String() string {
	return stateNames[s]
}

// DependencyNode represents a field in the dependency graph
type DependencyNode struct {
	ID NodeID

	Precedents map[NodeID]*DependencyNode // fields this field reads
	Dependents map[NodeID]*DependencyNode // fields that read this field

	// formula key, empty for fields that are only read
	Formula string

	State State
	Err   error
}

// DependencyGraph manages field dependencies and evaluation order
type DependencyGraph struct {
	nodes    map[NodeID]*DependencyNode
	staleSet map[NodeID]struct{}
	volatile map[NodeID]struct{} // formulas calling volatile functions
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[NodeID]*DependencyNode),
		staleSet: make(map[NodeID]struct{}),
		volatile: make(map[NodeID]struct{}),
	}
}

// GetOrCreateNode gets an existing node or creates a new one
func (dg *DependencyGraph) GetOrCreateNode(id NodeID) *DependencyNode {
	if node, exists := dg.nodes[id]; exists {
		return node
	}

	node := &DependencyNode{
		ID:         id,
		Precedents: make(map[NodeID]*DependencyNode),
		Dependents: make(map[NodeID]*DependencyNode),
		State:      CleanState,
	}
	dg.nodes[id] = node
	return node
}

// GetNode retrieves a node if it exists
func (dg *DependencyGraph) GetNode(id NodeID) (*DependencyNode, bool) {
	node, exists := dg.nodes[id]
	return node, exists
}

// RemoveNode removes a node and all its edges
func (dg *DependencyGraph) RemoveNode(id NodeID) bool {
	node, exists := dg.nodes[id]
	if !exists {
		return false
	}

	for precedentID, precedent := range node.Precedents {
		delete(precedent.Dependents, id)
		dg.cleanupNodeIfEmpty(precedentID)
	}
	// dependents keep their node, they still hold formulas
	for _, dependent := range node.Dependents {
		delete(dependent.Precedents, id)
	}

	delete(dg.staleSet, id)
	delete(dg.volatile, id)
	delete(dg.nodes, id)
	return true
}

// cleanupNodeIfEmpty removes a node without formula or edges
func (dg *DependencyGraph) cleanupNodeIfEmpty(id NodeID) {
	node, exists := dg.nodes[id]
	if !exists {
		return
	}
	if node.Formula != "" || len(node.Precedents) > 0 || len(node.Dependents) > 0 {
		return
	}
	delete(dg.nodes, id)
	delete(dg.staleSet, id)
}

// AddDependency records that from reads to
func (dg *DependencyGraph) AddDependency(from, to NodeID) {
	fromNode := dg.GetOrCreateNode(from)
	toNode := dg.GetOrCreateNode(to)

	fromNode.Precedents[to] = toNode
	toNode.Dependents[from] = fromNode
}

// RemoveDependency removes a single edge
func (dg *DependencyGraph) RemoveDependency(from, to NodeID) bool {
	fromNode, fromExists := dg.nodes[from]
	toNode, toExists := dg.nodes[to]
	if !fromExists || !toExists {
		return false
	}

	delete(fromNode.Precedents, to)
	delete(toNode.Dependents, from)

	dg.cleanupNodeIfEmpty(from)
	dg.cleanupNodeIfEmpty(to)
	return true
}

// ClearDependencies drops every precedent edge of a node
func (dg *DependencyGraph) ClearDependencies(id NodeID) {
	node, exists := dg.nodes[id]
	if !exists {
		return
	}
	for precedentID := range node.Precedents {
		dg.RemoveDependency(id, precedentID)
	}
}

// SetFormula sets the formula key of a node (creates node if needed)
func (dg *DependencyGraph) SetFormula(id NodeID, key string) {
	node := dg.GetOrCreateNode(id)
	node.Formula = key
}

// ClearFormula turns a formula node back into a plain field
func (dg *DependencyGraph) ClearFormula(id NodeID) {
	node, exists := dg.nodes[id]
	if !exists {
		return
	}
	node.Formula = ""
	node.State = CleanState
	node.Err = nil
	delete(dg.staleSet, id)
	delete(dg.volatile, id)
	dg.cleanupNodeIfEmpty(id)
}

// MarkStale marks a formula node as needing evaluation
func (dg *DependencyGraph) MarkStale(id NodeID) {
	node, exists := dg.nodes[id]
	if !exists || node.Formula == "" {
		return
	}
	node.State = StaleState
	dg.staleSet[id] = struct{}{}
}

// MarkDependentsStale marks every formula transitively reading id
func (dg *DependencyGraph) MarkDependentsStale(id NodeID) {
	for _, dep := range dg.GetAllDependents(id) {
		dg.MarkStale(dep)
	}
}

// ClearStale removes a node from the stale set
func (dg *DependencyGraph) ClearStale(id NodeID) {
	delete(dg.staleSet, id)
}

// IsStale checks whether a node awaits evaluation
func (dg *DependencyGraph) IsStale(id NodeID) bool {
	_, stale := dg.staleSet[id]
	return stale
}

// StaleNodes returns the stale set, sorted
func (dg *DependencyGraph) StaleNodes() []NodeID {
	return sortedIDs(dg.staleSet)
}

// GetDirectDependents returns fields directly reading this field
func (dg *DependencyGraph) GetDirectDependents(id NodeID) []NodeID {
	node, exists := dg.nodes[id]
	if !exists {
		return nil
	}
	return sortedIDs(node.Dependents)
}

// GetDirectPrecedents returns fields this field directly reads
func (dg *DependencyGraph) GetDirectPrecedents(id NodeID) []NodeID {
	node, exists := dg.nodes[id]
	if !exists {
		return nil
	}
	return sortedIDs(node.Precedents)
}

// GetAllDependents returns all fields affected by this field (transitive
// closure), excluding the field itself unless it sits on a cycle
func (dg *DependencyGraph) GetAllDependents(id NodeID) []NodeID {
	visited := make(map[NodeID]struct{})
	var result []NodeID
	dg.collectDependents(id, visited, &result)
	return result
}

func (dg *DependencyGraph) collectDependents(id NodeID, visited map[NodeID]struct{}, result *[]NodeID) {
	node, exists := dg.nodes[id]
	if !exists {
		return
	}
	for _, depID := range sortedIDs(node.Dependents) {
		if _, seen := visited[depID]; seen {
			continue
		}
		visited[depID] = struct{}{}
		*result = append(*result, depID)
		dg.collectDependents(depID, visited, result)
	}
}

// CalculationOrder orders the given formula nodes so every node comes after
// the nodes it reads. nodes on a cycle (a strongly connected component of
// more than one node, or a node reading itself) are returned separately and
// left out of the order.
func (dg *DependencyGraph) CalculationOrder(targets []NodeID) ([]NodeID, map[NodeID]struct{}) {
	include := make(map[NodeID]struct{}, len(targets))
	for _, id := range targets {
		if node, ok := dg.nodes[id]; ok && node.Formula != "" {
			include[id] = struct{}{}
		}
	}

	order := make([]NodeID, 0, len(include))
	cyclic := make(map[NodeID]struct{})

	// tarjan over precedent edges emits precedents first
	for _, scc := range dg.stronglyConnected(include) {
		if len(scc) > 1 || dg.readsItself(scc[0]) {
			for _, id := range scc {
				cyclic[id] = struct{}{}
			}
			continue
		}
		order = append(order, scc[0])
	}
	return order, cyclic
}

func (dg *DependencyGraph) readsItself(id NodeID) bool {
	node, exists := dg.nodes[id]
	if !exists {
		return false
	}
	_, self := node.Precedents[id]
	return self
}

// stronglyConnected runs tarjan's algorithm on the subgraph induced by
// include. components come out in dependency order.
func (dg *DependencyGraph) stronglyConnected(include map[NodeID]struct{}) [][]NodeID {
	index := 0
	indices := make(map[NodeID]int, len(include))
	lowlink := make(map[NodeID]int, len(include))
	onStack := make(map[NodeID]bool, len(include))
	var stack []NodeID
	var result [][]NodeID

	var connect func(id NodeID)
	connect = func(id NodeID) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, precedent := range sortedIDs(dg.nodes[id].Precedents) {
			if _, ok := include[precedent]; !ok {
				continue
			}
			if _, visited := indices[precedent]; !visited {
				connect(precedent)
				lowlink[id] = min(lowlink[id], lowlink[precedent])
			} else if onStack[precedent] {
				lowlink[id] = min(lowlink[id], indices[precedent])
			}
		}

		if lowlink[id] == indices[id] {
			var scc []NodeID
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
			result = append(result, scc)
		}
	}

	for _, id := range sortedIDs(include) {
		if _, visited := indices[id]; !visited {
			connect(id)
		}
	}
	return result
}

// HasCycle checks whether any formula sits on a cycle
func (dg *DependencyGraph) HasCycle() bool {
	_, cyclic := dg.CalculationOrder(dg.FormulaNodes())
	return len(cyclic) > 0
}

// FormulaNodes returns every node carrying a formula, sorted
func (dg *DependencyGraph) FormulaNodes() []NodeID {
	result := make([]NodeID, 0, len(dg.nodes))
	for id, node := range dg.nodes {
		if node.Formula != "" {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// MarkVolatile marks a formula as calling volatile functions
func (dg *DependencyGraph) MarkVolatile(id NodeID) {
	dg.volatile[id] = struct{}{}
}

// UnmarkVolatile removes volatile marking from a node
func (dg *DependencyGraph) UnmarkVolatile(id NodeID) {
	delete(dg.volatile, id)
}

// IsVolatile checks if a node is marked volatile
func (dg *DependencyGraph) IsVolatile(id NodeID) bool {
	_, isVolatile := dg.volatile[id]
	return isVolatile
}

// MarkAllVolatileStale marks volatile formulas and their dependents stale
func (dg *DependencyGraph) MarkAllVolatileStale() {
	for id := range dg.volatile {
		dg.MarkStale(id)
		dg.MarkDependentsStale(id)
	}
}

// NodeCount returns the number of nodes in the graph
func (dg *DependencyGraph) NodeCount() int {
	return len(dg.nodes)
}

// Clear removes all nodes and dependencies from the graph
func (dg *DependencyGraph) Clear() {
	dg.nodes = make(map[NodeID]*DependencyNode)
	dg.staleSet = make(map[NodeID]struct{})
	dg.volatile = make(map[NodeID]struct{})
}

func sortedIDs[V any](set map[NodeID]V) []NodeID {
	result := make([]NodeID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
