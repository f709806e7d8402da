package jsonpatch

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/openrepo/editsync/common/models"
)

// Encode serialises operations as an RFC 6902 document
func Encode(ops []models.Operation) ([]byte, error) {
	if ops == nil {
		ops = []models.Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}
	return data, nil
}

// Decode parses an RFC 6902 document into operations
func Decode(data []byte) ([]models.Operation, error) {
	var ops []models.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	return ops, nil
}

// Apply applies ops to doc and returns the patched document
func Apply(doc []byte, ops []models.Operation) ([]byte, error) {
	if len(ops) == 0 {
		return doc, nil
	}

	patchJSON, err := Encode(ops)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}

	opts := jsonpatch.NewApplyOptions()
	// metadata adds target keys whose parent may be missing on sparse resources
	opts.EnsurePathExistsOnAdd = true

	modified, err := patch.ApplyWithOptions(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch operations: %w", err)
	}

	return modified, nil
}

// Preview applies ops to the JSON form of original
func Preview(original *models.Resource, ops []models.Operation) ([]byte, error) {
	doc, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return Apply(doc, ops)
}
