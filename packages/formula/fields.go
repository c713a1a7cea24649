package formula

import "sort"

// NodeID is a dense handle for a field in the dependency graph. 0 is
// reserved for "no field".
type NodeID uint32

// FieldIndex interns field names to node ids. names referenced by formulas
// but missing from the document are tracked as undefined so the graph can
// hold edges to them.
type FieldIndex struct {
	// core name/ID mapping (for all fields, defined or not)

	nameToID map[string]NodeID // identifier or _id -> node
	idToName map[NodeID]string // node -> canonical key

	// field definitions

	definedFields map[NodeID]*Field

	// referenced but not present in the document

	undefinedIDs map[NodeID]struct{}

	// reference counting

	refCounts map[NodeID]int
	nextID    NodeID
}

// NewFieldIndex creates a new field index
func NewFieldIndex() *FieldIndex {
	return &FieldIndex{
		nameToID:      make(map[string]NodeID),
		idToName:      make(map[NodeID]string),
		definedFields: make(map[NodeID]*Field),
		undefinedIDs:  make(map[NodeID]struct{}),
		refCounts:     make(map[NodeID]int),
		nextID:        1,
	}
}

// InternField adds a reference to a field name (defined or not) and
// returns its node.
func (ft *FieldIndex) InternField(name string) NodeID {
	if id, exists := ft.nameToID[name]; exists {
		ft.refCounts[id]++
		return id
	}

	id := ft.nextID
	ft.nameToID[name] = id
	ft.idToName[id] = name
	ft.undefinedIDs[id] = struct{}{}
	ft.refCounts[id] = 1
	ft.nextID++

	return id
}

// DefineField binds a document field to a node, reachable by both its
// identifier and its _id. a previously undefined reference transitions to
// defined.
func (ft *FieldIndex) DefineField(field *Field) NodeID {
	key := field.Key()
	id, exists := ft.nameToID[key]
	if !exists && field.ID != "" {
		id, exists = ft.nameToID[field.ID]
	}
	if !exists {
		id = ft.nextID
		ft.nextID++
	}

	ft.nameToID[key] = id
	if field.ID != "" {
		ft.nameToID[field.ID] = id
	}
	ft.idToName[id] = key
	ft.definedFields[id] = field
	delete(ft.undefinedIDs, id)
	return id
}

// RemoveReference decrements the reference count of a node. undefined
// nodes with no references left are dropped. returns true if dropped.
func (ft *FieldIndex) RemoveReference(id NodeID) bool {
	if _, exists := ft.idToName[id]; !exists {
		return false
	}

	ft.refCounts[id]--
	if ft.refCounts[id] <= 0 {
		if _, isUndefined := ft.undefinedIDs[id]; isUndefined {
			ft.removeField(id)
			return true
		}
		// defined fields stay with 0 references
	}
	return false
}

func (ft *FieldIndex) removeField(id NodeID) {
	for name, nid := range ft.nameToID {
		if nid == id {
			delete(ft.nameToID, name)
		}
	}
	delete(ft.idToName, id)
	delete(ft.definedFields, id)
	delete(ft.undefinedIDs, id)
	delete(ft.refCounts, id)
}

// GetField returns the field bound to a node
func (ft *FieldIndex) GetField(id NodeID) (*Field, bool) {
	f, exists := ft.definedFields[id]
	return f, exists
}

// GetFieldByName returns the field for an identifier or _id
func (ft *FieldIndex) GetFieldByName(name string) (*Field, bool) {
	id, exists := ft.nameToID[name]
	if !exists {
		return nil, false
	}
	return ft.GetField(id)
}

// GetNodeID returns the node for a name
func (ft *FieldIndex) GetNodeID(name string) (NodeID, bool) {
	id, exists := ft.nameToID[name]
	return id, exists
}

// GetName returns the canonical key of a node
func (ft *FieldIndex) GetName(id NodeID) (string, bool) {
	name, exists := ft.idToName[id]
	return name, exists
}

// IsDefined checks whether a node is bound to a document field
func (ft *FieldIndex) IsDefined(id NodeID) bool {
	_, exists := ft.definedFields[id]
	return exists
}

// GetReferenceCount returns the reference count of a node
func (ft *FieldIndex) GetReferenceCount(id NodeID) int {
	return ft.refCounts[id]
}

// Undefined returns names referenced by formulas that no field carries,
// sorted.
func (ft *FieldIndex) Undefined() []string {
	result := make([]string, 0, len(ft.undefinedIDs))
	for id := range ft.undefinedIDs {
		if name, exists := ft.idToName[id]; exists {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CountDefined returns the number of defined fields
func (ft *FieldIndex) CountDefined() int {
	return len(ft.definedFields)
}
