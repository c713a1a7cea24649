package formula

import (
	"math"
	"sort"
	"strings"
)

var (
	itemLambda = map[int]ParamRange{1: {Min: 1, Max: 2}}
	foldLambda = map[int]ParamRange{1: {Min: 2, Max: 3}}
)

func (bf *BuiltInFunctions) registerCollection() {
	bf.Register(&Builtin{Name: "map", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.MAP})
	bf.Register(&Builtin{Name: "filter", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.FILTER})
	bf.Register(&Builtin{Name: "flatMap", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.FLATMAP})
	bf.Register(&Builtin{Name: "reduce", MinArgs: 2, MaxArgs: 3, Lambdas: foldLambda, Fn: bf.REDUCE})
	bf.Register(&Builtin{Name: "some", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.SOME})
	bf.Register(&Builtin{Name: "every", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.EVERY})
	bf.Register(&Builtin{Name: "find", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.FIND})
	bf.Register(&Builtin{Name: "countIf", MinArgs: 2, MaxArgs: 2, Lambdas: itemLambda, Fn: bf.COUNTIF})
	bf.Register(&Builtin{Name: "flat", MinArgs: 1, MaxArgs: 2, Fn: bf.FLAT})
	bf.Register(&Builtin{Name: "unique", MinArgs: 1, MaxArgs: 1, Fn: bf.UNIQUE})
	bf.Register(&Builtin{Name: "sort", MinArgs: 1, MaxArgs: 2, Fn: bf.SORT})
}

// each applies fn to every element with its index until fn says stop
func each(c *Call, fn func(l *Lambda, item Value, i int) (bool, error)) error {
	items, err := c.List(0)
	if err != nil {
		return err
	}
	l, err := c.Lambda(1)
	if err != nil {
		return err
	}
	for i, item := range items {
		more, err := fn(l, item, i)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (bf *BuiltInFunctions) MAP(c *Call) (Value, error) {
	var out []Value
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		v, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		out = append(out, v)
		return true, nil
	})
	if err != nil {
		return Null(), err
	}
	return List(out...), nil
}

func (bf *BuiltInFunctions) FILTER(c *Call) (Value, error) {
	out := []Value{}
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		keep, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		if Truthy(keep) {
			out = append(out, item)
		}
		return true, nil
	})
	if err != nil {
		return Null(), err
	}
	return List(out...), nil
}

// FLATMAP concatenates the lists produced per element. non-list results
// are appended as single elements.
func (bf *BuiltInFunctions) FLATMAP(c *Call) (Value, error) {
	out := []Value{}
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		v, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		if items, ok := v.AsList(); ok {
			out = append(out, items...)
		} else if !v.IsNull() {
			out = append(out, v)
		}
		return true, nil
	})
	if err != nil {
		return Null(), err
	}
	return List(out...), nil
}

// REDUCE folds left to right: reduce(xs, (acc, x, i) -> e, seed)
func (bf *BuiltInFunctions) REDUCE(c *Call) (Value, error) {
	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	l, err := c.Lambda(1)
	if err != nil {
		return Null(), err
	}
	acc := Null()
	if c.Len() > 2 {
		if acc, err = c.Arg(2); err != nil {
			return Null(), err
		}
	}
	for i, item := range items {
		if acc, err = l.Apply(acc, item, Int(int64(i))); err != nil {
			return Null(), err
		}
	}
	return acc, nil
}

// SOME stops at the first truthy result
func (bf *BuiltInFunctions) SOME(c *Call) (Value, error) {
	found := false
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		v, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		found = Truthy(v)
		return !found, nil
	})
	if err != nil {
		return Null(), err
	}
	return Bool(found), nil
}

// EVERY stops at the first falsy result
func (bf *BuiltInFunctions) EVERY(c *Call) (Value, error) {
	all := true
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		v, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		all = Truthy(v)
		return all, nil
	})
	if err != nil {
		return Null(), err
	}
	return Bool(all), nil
}

func (bf *BuiltInFunctions) FIND(c *Call) (Value, error) {
	found := Null()
	err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
		v, err := l.Apply(item, Int(int64(i)))
		if err != nil {
			return false, err
		}
		if Truthy(v) {
			found = item
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return Null(), err
	}
	return found, nil
}

// COUNTIF counts elements matching a lambda, or a scalar criterion:
// case-insensitive substring for text, equality for the same kind, equal
// text otherwise
func (bf *BuiltInFunctions) COUNTIF(c *Call) (Value, error) {
	count := 0
	if c.IsLambda(1) {
		err := each(c, func(l *Lambda, item Value, i int) (bool, error) {
			v, err := l.Apply(item, Int(int64(i)))
			if err != nil {
				return false, err
			}
			if Truthy(v) {
				count++
			}
			return true, nil
		})
		if err != nil {
			return Null(), err
		}
		return Int(int64(count)), nil
	}

	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	criterion, err := c.Arg(1)
	if err != nil {
		return Null(), err
	}
	for _, item := range items {
		if matchesCriterion(item, criterion) {
			count++
		}
	}
	return Int(int64(count)), nil
}

func matchesCriterion(item, criterion Value) bool {
	if values, ok := item.AsList(); ok {
		for _, v := range values {
			if matchesCriterion(v, criterion) {
				return true
			}
		}
		return false
	}
	got, gotText := item.AsString()
	want, wantText := criterion.AsString()
	switch {
	case gotText && wantText:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case item.Kind() == criterion.Kind():
		return Equal(item, criterion)
	}
	// mixed kinds compare by their text, so "5" counts the number 5
	return Stringify(item) == Stringify(criterion)
}

// FLAT flattens nested lists depth levels, one by default
func (bf *BuiltInFunctions) FLAT(c *Call) (Value, error) {
	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	depth := 1.0
	if c.Len() > 1 {
		if depth, err = c.Number(1); err != nil {
			return Null(), err
		}
	}
	return List(flatten(items, int(math.Max(depth, 0)))...), nil
}

func flatten(items []Value, depth int) []Value {
	out := make([]Value, 0, len(items))
	for _, item := range items {
		if inner, ok := item.AsList(); ok && depth > 0 {
			out = append(out, flatten(inner, depth-1)...)
			continue
		}
		out = append(out, item)
	}
	return out
}

// UNIQUE keeps the first occurrence of each value
func (bf *BuiltInFunctions) UNIQUE(c *Call) (Value, error) {
	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	out := make([]Value, 0, len(items))
outer:
	for _, item := range items {
		for _, seen := range out {
			if Equal(seen, item) {
				continue outer
			}
		}
		out = append(out, item)
	}
	return List(out...), nil
}

// SORT is stable. numbers sort before text.
func (bf *BuiltInFunctions) SORT(c *Call) (Value, error) {
	items, err := c.List(0)
	if err != nil {
		return Null(), err
	}
	ascending := true
	if c.Len() > 1 {
		v, err := c.Arg(1)
		if err != nil {
			return Null(), err
		}
		ascending = Truthy(v)
	}
	out := append([]Value(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return compareValues(out[i], out[j]) < 0
		}
		return compareValues(out[i], out[j]) > 0
	})
	return List(out...), nil
}
