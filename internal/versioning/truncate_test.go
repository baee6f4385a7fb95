package versioning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncator_StaysWithinCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		max  int
	}{
		{"ascii", strings.Repeat("a", 5000), 1024},
		{"multibyte", strings.Repeat("日本", 700), 1024},
		{"just over", strings.Repeat("b", 1025), 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &truncator{max: tt.max}
			got := tr.str("NB1.summary", tt.in)
			assert.LessOrEqual(t, len(got), tt.max)
			assert.Contains(t, got, "…[truncated ")
			assert.Equal(t, []string{"NB1.summary"}, tr.truncated)

			kept := got[:strings.Index(got, "…[truncated ")]
			assert.True(t, strings.HasPrefix(tt.in, kept))
			assert.Equal(t, truncationMarker(len(tt.in)-len(kept)), got[len(kept):])
		})
	}
}

func TestTruncator_LeavesShortStrings(t *testing.T) {
	t.Parallel()

	tr := &truncator{max: 1024}
	assert.Equal(t, "short", tr.str("NB1.summary", "short"))
	assert.Empty(t, tr.truncated)
}
