package models

import (
	"encoding/json"
	"fmt"
)

// OpType is an RFC 6902 operation name
type OpType string

const (
	OpAdd     OpType = "add"
	OpReplace OpType = "replace"
	OpRemove  OpType = "remove"
)

// Operation is a single JSON Patch operation. It is built once through the
// constructors and never mutated afterwards.
type Operation struct {
	op    OpType
	path  string
	value any
}

// NewAdd builds an add operation setting path to value
func NewAdd(path string, value any) Operation {
	return Operation{op: OpAdd, path: path, value: value}
}

// NewReplace builds a replace operation overwriting the value at path
func NewReplace(path string, value any) Operation {
	return Operation{op: OpReplace, path: path, value: value}
}

// NewRemove builds a remove operation for path. It carries no value.
func NewRemove(path string) Operation {
	return Operation{op: OpRemove, path: path}
}

// Op returns the operation name
func (o Operation) Op() OpType { return o.op }

// Path returns the JSON Pointer the operation targets
func (o Operation) Path() string { return o.path }

// Value returns the operation value, nil for remove
func (o Operation) Value() any { return o.value }

func (o Operation) String() string {
	if o.op == OpRemove {
		return fmt.Sprintf("%s %s", o.op, o.path)
	}
	return fmt.Sprintf("%s %s=%v", o.op, o.path, o.value)
}

type operationJSON struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON emits the RFC 6902 object form
func (o Operation) MarshalJSON() ([]byte, error) {
	wire := operationJSON{Op: o.op, Path: o.path}
	if o.op != OpRemove {
		wire.Value = o.value
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts add, replace and remove only
func (o *Operation) UnmarshalJSON(data []byte) error {
	var wire operationJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Op {
	case OpAdd, OpReplace, OpRemove:
	default:
		return fmt.Errorf("unsupported operation type: %q", wire.Op)
	}
	*o = Operation{op: wire.Op, path: wire.Path, value: wire.Value}
	return nil
}

// ToMaps converts operations to the loose map form used by validators and logs
func ToMaps(ops []Operation) []map[string]any {
	out := make([]map[string]any, 0, len(ops))
	for _, o := range ops {
		m := map[string]any{"op": string(o.op), "path": o.path}
		if o.op != OpRemove {
			m["value"] = o.value
		}
		out = append(out, m)
	}
	return out
}
