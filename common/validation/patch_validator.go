package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/openrepo/editsync/common/models"
)

// DefaultMaxOperations caps the size of a single submitted patch
const DefaultMaxOperations = 200

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9]+\.[A-Za-z0-9]+(\.[A-Za-z0-9*]+)?$`)

// PatchValidator validates JSON Patch operations before they are sent
type PatchValidator struct {
	maxOperations int
}

// NewPatchValidator creates a new patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{maxOperations: DefaultMaxOperations}
}

// WithMaxOperations overrides the operation cap (0 keeps the default)
func (v *PatchValidator) WithMaxOperations(n int) *PatchValidator {
	if n > 0 {
		v.maxOperations = n
	}
	return v
}

// ValidateOperations validates all patch operations
func (v *PatchValidator) ValidateOperations(operations []models.Operation) error {
	if len(operations) > v.maxOperations {
		return fmt.Errorf("patch validation failed: %d operations exceeds limit of %d", len(operations), v.maxOperations)
	}

	seen := make(map[string]int, len(operations))
	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}

		// the builder collapses per-path conflicts, so a repeat means a split patch
		if prev, dup := seen[op.Path()]; dup {
			return fmt.Errorf("operation %d: path %s already targeted by operation %d", i, op.Path(), prev)
		}
		seen[op.Path()] = i
	}

	return nil
}

// validateOperation validates a single operation
func (v *PatchValidator) validateOperation(op models.Operation, index int) error {
	path := op.Path()
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("operation %d: path must be a JSON pointer, got %q", index, path)
	}

	switch op.Op() {
	case models.OpAdd, models.OpReplace:
		if op.Value() == nil {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, op.Op())
		}

	case models.OpRemove:
		// remove doesn't need value

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, op.Op())
	}

	if key, ok := metadataKey(path); ok {
		if !metadataKeyPattern.MatchString(key) {
			return fmt.Errorf("operation %d: invalid metadata key %q (hint: use schema.element[.qualifier])", index, key)
		}
	}

	return nil
}

// metadataKey extracts the key following the last /metadata/ segment
func metadataKey(path string) (string, bool) {
	idx := strings.LastIndex(path, "/metadata/")
	if idx < 0 {
		return "", false
	}
	rest := path[idx+len("/metadata/"):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest, true
}
