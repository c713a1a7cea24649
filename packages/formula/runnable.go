package formula

import (
	"fmt"
	"sort"
)

// RunnableEngine wraps an Engine for chained edits. the first error stops
// every later step in the chain.
type RunnableEngine struct {
	engine  *Engine
	err     error
	printLn func(string)
}

// NewRunnableEngine wraps engine. printLn is used by Log and CheckError.
func NewRunnableEngine(engine *Engine, printLn func(string)) *RunnableEngine {
	return &RunnableEngine{
		engine:  engine,
		printLn: printLn,
	}
}

// OpenRunnable opens document JSON into a chain. a failed open is carried
// as the chain error.
func OpenRunnable(data []byte, printLn func(string), opts ...Option) *RunnableEngine {
	engine, err := Open(data, opts...)
	return &RunnableEngine{engine: engine, err: err, printLn: printLn}
}

// Edit applies a value edit (chainable)
func (r *RunnableEngine) Edit(key string, value Value) *RunnableEngine {
	if r.err != nil {
		return r
	}
	r.err = r.engine.ApplyEdit(key, value)
	return r
}

// EditBatch applies several edits in key order (chainable)
func (r *RunnableEngine) EditBatch(values map[string]Value) *RunnableEngine {
	if r.err != nil {
		return r
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := r.engine.ApplyEdit(key, values[key]); err != nil {
			r.err = err
			return r
		}
	}
	return r
}

// InsertRow appends a row, or inserts it at index when one is given
// (chainable)
func (r *RunnableEngine) InsertRow(tableKey string, cells map[string]Value, index ...int) *RunnableEngine {
	if r.err != nil {
		return r
	}
	var at *int
	if len(index) > 0 {
		at = &index[0]
	}
	_, r.err = r.engine.InsertRow(tableKey, at, cells)
	return r
}

// DeleteRow removes a row by id (chainable)
func (r *RunnableEngine) DeleteRow(tableKey, rowID string) *RunnableEngine {
	if r.err != nil {
		return r
	}
	r.err = r.engine.DeleteRow(tableKey, rowID)
	return r
}

// MoveRow moves a live row (chainable)
func (r *RunnableEngine) MoveRow(tableKey string, from, to int) *RunnableEngine {
	if r.err != nil {
		return r
	}
	r.err = r.engine.MoveRow(tableKey, from, to)
	return r
}

// SetFormula assigns formula text (chainable)
func (r *RunnableEngine) SetFormula(key, text string) *RunnableEngine {
	if r.err != nil {
		return r
	}
	r.err = r.engine.SetFormula(key, text)
	return r
}

// Recompute forces a full pass (chainable)
func (r *RunnableEngine) Recompute() *RunnableEngine {
	if r.err != nil {
		return r
	}
	r.engine.Recompute()
	return r
}

// Run returns the engine and the chain error
func (r *RunnableEngine) Run() (*Engine, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.engine, nil
}

// RunOrPanic returns the engine and panics on a chain error
func (r *RunnableEngine) RunOrPanic() *Engine {
	engine, err := r.Run()
	if err != nil {
		panic(err)
	}
	return engine
}

// Error returns the current error state
func (r *RunnableEngine) Error() error {
	return r.err
}

// CheckError prints the current error state (chainable)
func (r *RunnableEngine) CheckError() *RunnableEngine {
	if r.err != nil {
		r.printLn(fmt.Sprintf("ERROR: %v", r.err))
	} else {
		r.printLn("No errors")
	}
	return r
}

// Engine returns the underlying engine, bypassing error tracking
func (r *RunnableEngine) Engine() *Engine {
	return r.engine
}

// Reset clears the error state (chainable)
func (r *RunnableEngine) Reset() *RunnableEngine {
	r.err = nil
	return r
}

// Then runs fn unless the chain has failed
func (r *RunnableEngine) Then(fn func(*RunnableEngine) *RunnableEngine) *RunnableEngine {
	if r.err != nil {
		return r
	}
	return fn(r)
}

// OnError lets fn replace or clear the chain error
func (r *RunnableEngine) OnError(fn func(error) error) *RunnableEngine {
	if r.err != nil {
		r.err = fn(r.err)
	}
	return r
}

// Must panics if there's an error (chainable)
func (r *RunnableEngine) Must() *RunnableEngine {
	if r.err != nil {
		panic(r.err)
	}
	return r
}

// If runs fn only when condition holds and the chain has not failed
func (r *RunnableEngine) If(condition bool, fn func(*RunnableEngine) *RunnableEngine) *RunnableEngine {
	if r.err != nil || !condition {
		return r
	}
	return fn(r)
}

// Value reads one field value, recording a lookup failure
func (r *RunnableEngine) Value(key string) Value {
	if r.err != nil {
		return Null()
	}
	v, err := r.engine.GetFieldValue(key)
	if err != nil {
		r.err = err
		return Null()
	}
	return v
}

// Values reads several field values
func (r *RunnableEngine) Values(keys ...string) []Value {
	if r.err != nil {
		return nil
	}
	values := make([]Value, len(keys))
	for i, key := range keys {
		v, err := r.engine.GetFieldValue(key)
		if err != nil {
			r.err = err
			return nil
		}
		values[i] = v
	}
	return values
}

// Log prints a field's value and state (chainable)
func (r *RunnableEngine) Log(key string) *RunnableEngine {
	if r.err != nil {
		return r
	}
	line, err := r.engine.Describe(key)
	if err != nil {
		r.err = err
		return r
	}
	r.printLn(line)
	return r
}
