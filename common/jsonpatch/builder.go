package jsonpatch

import (
	"strings"

	"github.com/openrepo/editsync/common/models"
)

// Builder turns pending field updates into an ordered JSON Patch
type Builder struct {
	combiner PathCombiner
}

// NewBuilder creates a builder whose field paths are relative to combiner
func NewBuilder(combiner PathCombiner) *Builder {
	return &Builder{combiner: combiner}
}

type candidate struct {
	op    models.Operation
	group int
	order int
}

const (
	groupMetadata = iota
	groupProperty
	groupRemove
)

// Build diffs pending updates against the original resource.
//
// Operations come out as metadata adds/replaces, then property replaces, then
// removes, each group in declaration order. declared gives that order; fields
// not declared follow in update-set order.
func (b *Builder) Build(original *models.Resource, declared []models.Field, updates models.ResourceUpdateSet) []models.Operation {
	rank := make(map[string]int, len(declared))
	for i, f := range declared {
		rank[f.UUID] = i
	}
	next := len(declared)
	for _, id := range updates.Order {
		if _, ok := rank[id]; !ok {
			rank[id] = next
			next++
		}
	}

	byPath := make(map[string]candidate)
	var paths []string

	for _, u := range updates.Ordered() {
		c, ok := b.operationFor(original, u)
		if !ok {
			continue
		}
		c.order = rank[u.Field.UUID]

		prev, seen := byPath[c.op.Path()]
		if !seen {
			paths = append(paths, c.op.Path())
			byPath[c.op.Path()] = c
			continue
		}
		byPath[c.op.Path()] = netEffect(prev, c)
	}

	ops := make([]candidate, 0, len(paths))
	for _, p := range paths {
		ops = append(ops, byPath[p])
	}
	sortCandidates(ops)

	out := make([]models.Operation, len(ops))
	for i, c := range ops {
		out[i] = c.op
	}
	return out
}

// operationFor maps one field update to at most one operation
func (b *Builder) operationFor(original *models.Resource, u models.FieldUpdate) (candidate, bool) {
	f := u.Field
	path := b.combiner.Path(fieldPath(f))
	existed := existedOriginally(original, f)

	switch {
	case u.ChangeType == models.ChangeNone:
		return candidate{}, false

	case u.ChangeType.IsRemoval():
		if !existed || (f.Kind == models.KindProperty && f.Required) {
			return candidate{}, false
		}
		return candidate{op: models.NewRemove(path), group: groupRemove}, true

	case f.IsEmpty():
		// an emptied value is a removal, except for required properties which cannot be cleared
		if !existed || (f.Kind == models.KindProperty && f.Required) {
			return candidate{}, false
		}
		if f.Kind == models.KindProperty && !propertyHasValue(original, f) {
			return candidate{}, false
		}
		return candidate{op: models.NewRemove(path), group: groupRemove}, true
	}

	group := groupMetadata
	if f.Kind == models.KindProperty {
		group = groupProperty
	}
	if existed {
		return candidate{op: models.NewReplace(path, f.Value), group: group}, true
	}
	return candidate{op: models.NewAdd(path, f.Value), group: group}, true
}

// netEffect keeps the operation that reflects the final intent for a path:
// a value-carrying operation wins over a stale remove.
func netEffect(prev, next candidate) candidate {
	if next.op.Op() == models.OpRemove && prev.op.Op() != models.OpRemove {
		return prev
	}
	if next.order > prev.order {
		next.order = prev.order
	}
	return next
}

func sortCandidates(ops []candidate) {
	// insertion sort keeps equal keys stable and the lists are short
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && less(ops[j], ops[j-1]); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}

func less(a, b candidate) bool {
	if a.group != b.group {
		return a.group < b.group
	}
	return a.order < b.order
}

// existedOriginally: properties are part of the resource schema and always exist,
// metadata exists when the original carries a value for the key
func existedOriginally(original *models.Resource, f models.Field) bool {
	if f.Kind == models.KindProperty {
		return true
	}
	if original == nil {
		return false
	}
	return original.HasMetadata(metadataKey(f))
}

func propertyHasValue(original *models.Resource, f models.Field) bool {
	if original == nil {
		return false
	}
	v, ok := original.Property(strings.TrimPrefix(fieldPath(f), "/"))
	return ok && !models.IsEmptyValue(v)
}

func fieldPath(f models.Field) string {
	if f.Path != "" {
		return f.Path
	}
	if f.Kind == models.KindMetadata {
		return "/metadata/" + f.Key
	}
	return "/" + f.Key
}

func metadataKey(f models.Field) string {
	if f.Key != "" {
		return f.Key
	}
	p := fieldPath(f)
	return p[strings.LastIndex(p, "/")+1:]
}
