package jsonpatch

import (
	"fmt"

	"github.com/wI2L/jsondiff"
)

// Drift is one place where the server's representation differs from what the
// submitted patch would have produced
type Drift struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff compares the expected document with the server's actual one.
// An empty result means the server echoed the patch exactly.
func Diff(expected, actual []byte) ([]Drift, error) {
	patch, err := jsondiff.CompareJSON(expected, actual, jsondiff.Ignores("/_links", "/lastModified"))
	if err != nil {
		return nil, fmt.Errorf("failed to diff documents: %w", err)
	}

	drift := make([]Drift, 0, len(patch))
	for _, op := range patch {
		drift = append(drift, Drift{Op: string(op.Type), Path: string(op.Path), Value: op.Value})
	}
	return drift, nil
}
