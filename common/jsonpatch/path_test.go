package jsonpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathCombiner(t *testing.T) {
	tests := []struct {
		name      string
		combiner  PathCombiner
		fragments []string
		want      string
	}{
		{"no prefix", PathCombiner{}, []string{"/name"}, "/name"},
		{"root only", PathCombiner{Root: "sections"}, []string{"license"}, "/sections/license"},
		{"root and sub-root", PathCombiner{Root: "sections", SubRoot: "upload"}, []string{"files", Index(2), "accessConditions"}, "/sections/upload/files/2/accessConditions"},
		{"slashes trimmed", PathCombiner{Root: "/sections/"}, []string{"/files/", "", "metadata/dc.title"}, "/sections/files/metadata/dc.title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.combiner.Path(tt.fragments...))
		})
	}
}

func TestEscapeToken(t *testing.T) {
	assert.Equal(t, "a~1b~0c", EscapeToken("a/b~c"))
}
